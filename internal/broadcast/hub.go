package broadcast

import (
	"strings"
	"sync"
)

const subscriberBuffer = 64

// Hub fans messages out to in-process subscribers such as event-stream clients. A
// subscriber that falls behind loses messages instead of slowing the hub.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Message
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Message)}
}

// Subscribe returns the subscriber channel and a func that removes it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Send(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// FormatEvent renders msg in the text/event-stream wire format.
func FormatEvent(msg Message) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(msg.Event)
	b.WriteByte('\n')
	for _, line := range strings.Split(string(msg.Payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}
