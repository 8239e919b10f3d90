package guard

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisProtectionKey     = "netguard:protection:active"
	redisProtectionChannel = "netguard:protection:updates"
	redisOpTimeout         = 5 * time.Second
)

// Protection is the administrative pause switch. When inactive, enforcement lookups
// fail open.
type Protection struct {
	active atomic.Bool

	mu        sync.Mutex
	listeners []chan bool

	syncMu sync.RWMutex
	client *redis.Client
	cancel context.CancelFunc
}

func NewProtection(active bool) *Protection {
	p := &Protection{}
	p.active.Store(active)
	return p
}

func (p *Protection) Active() bool {
	return p.active.Load()
}

// Set changes the switch, notifies listeners and, when synchronization is enabled,
// persists and publishes the new state. It reports whether the state changed.
func (p *Protection) Set(active bool) bool {
	changed := p.apply(active, "local")

	if err := p.broadcast(active); err != nil {
		log.Error("Protection sync: failed to publish state", "active", active, "error", err)
	}
	return changed
}

// Updates returns a channel receiving every state change. Slow listeners only see the
// latest state.
func (p *Protection) Updates() <-chan bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()
	return ch
}

func (p *Protection) apply(active bool, source string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active.Swap(active) == active {
		return false
	}

	for _, ch := range p.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- active:
		default:
		}
	}

	log.Info("Protection state changed", "active", active, "source", source)
	return true
}

// EnableRedisSynchronization shares the switch across instances: a stored state wins
// over the local one, otherwise the local state is seeded.
func (p *Protection) EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Protection synchronization disabled: redis client is nil")
		return
	}

	syncCtx, cancel := context.WithCancel(ctx)

	p.syncMu.Lock()
	if p.client != nil {
		p.syncMu.Unlock()
		cancel()
		return
	}
	p.client = client
	p.cancel = cancel
	p.syncMu.Unlock()

	loaded, err := p.loadFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Protection sync: failed to load state from redis", "error", err)
	}
	if !loaded {
		if err := p.broadcast(p.Active()); err != nil {
			log.Error("Protection sync: failed to seed state", "error", err)
		}
	}

	go p.subscribe(syncCtx, client)
}

func (p *Protection) DisableRedisSynchronization() {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.client = nil
	p.cancel = nil
}

func (p *Protection) loadFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	value, err := client.Get(opCtx, redisProtectionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	active, err := strconv.ParseBool(value)
	if err != nil {
		return false, err
	}
	p.apply(active, "redis")
	return true, nil
}

func (p *Protection) subscribe(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisProtectionChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Protection sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		active, err := strconv.ParseBool(msg.Payload)
		if err != nil {
			log.Error("Protection sync: invalid payload", "payload", msg.Payload)
			continue
		}
		p.apply(active, "redis")
	}
}

func (p *Protection) broadcast(active bool) error {
	p.syncMu.RLock()
	client := p.client
	p.syncMu.RUnlock()

	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value := strconv.FormatBool(active)
	if err := client.Set(ctx, redisProtectionKey, value, 0).Err(); err != nil {
		return err
	}
	return client.Publish(ctx, redisProtectionChannel, value).Err()
}
