package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"netguard/internal/domain"
)

const (
	ChannelVerdicts = "netguard:verdicts"
	ChannelAlerts   = "netguard:alerts"
	ChannelStatus   = "netguard:status"

	EventVerdict = "verdict"
	EventAlert   = "alert"
	EventStatus  = "status"

	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// Publisher sends one payload to a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisPublisher struct {
	client *redis.Client
}

func (p redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Message is a single encoded event.
type Message struct {
	Event   string
	Channel string
	Payload []byte
}

// Broadcaster turns verdict events into pub/sub messages. Observe only enqueues; Run
// does the publishing so callers never wait on the network.
type Broadcaster struct {
	publisher Publisher
	hub       *Hub
	queue     chan Message
}

// New builds a broadcaster. Either publisher or hub may be nil.
func New(publisher Publisher, hub *Hub, queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		publisher: publisher,
		hub:       hub,
		queue:     make(chan Message, queueSize),
	}
}

// NewRedis publishes over redis, or only to the hub when client is nil.
func NewRedis(client *redis.Client, hub *Hub, queueSize int) *Broadcaster {
	var publisher Publisher
	if client != nil {
		publisher = redisPublisher{client: client}
	}
	return New(publisher, hub, queueSize)
}

func (b *Broadcaster) Observe(evt domain.VerdictEvent) {
	b.enqueue(EventVerdict, ChannelVerdicts, evt)
	if evt.Alert {
		b.enqueue(EventAlert, ChannelAlerts, domain.AlertFromEvent(evt))
	}
}

// PublishStatus announces a protection state change.
func (b *Broadcaster) PublishStatus(active bool) {
	b.enqueue(EventStatus, ChannelStatus, domain.ProtectionStatus{Active: active})
}

func (b *Broadcaster) enqueue(event, channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Warn("Broadcast: failed to encode event", "event", event, "error", err)
		return
	}

	select {
	case b.queue <- Message{Event: event, Channel: channel, Payload: payload}:
	default:
		log.Warn("Broadcast queue is full, dropping message", "event", event)
	}
}

// Run publishes queued messages until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.deliver(ctx, msg)
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, msg Message) {
	if b.hub != nil {
		b.hub.Send(msg)
	}
	if b.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.publisher.Publish(pubCtx, msg.Channel, msg.Payload); err != nil {
		log.Warn("Broadcast: publish failed", "channel", msg.Channel, "error", err)
	}
}
