package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/objlog/internal/protocol"
)

// subscriberBuffer is how many encoded messages a tail client may fall behind
// before records are dropped for it.
const subscriberBuffer = 256

// Subscriber is one tail client of a log.
type Subscriber struct {
	Log  string
	Send chan []byte

	mu     sync.Mutex
	missed int
	closed bool
}

// Hub fans appended records out to tail subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]bool
	log  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: make(map[string]map[*Subscriber]bool),
		log:  log,
	}
}

// Subscribe registers a new subscriber for name.
func (h *Hub) Subscribe(name string) *Subscriber {
	sub := &Subscriber{Log: name, Send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[name] == nil {
		h.subs[name] = make(map[*Subscriber]bool)
	}
	h.subs[name][sub] = true
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.Log]; ok && subs[sub] {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.Log)
		}
		sub.mu.Lock()
		sub.closed = true
		close(sub.Send)
		sub.mu.Unlock()
	}
}

// Count returns the number of subscribers of name.
func (h *Hub) Count(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[name])
}

// Publish sends a record to every subscriber of name. It never blocks: a
// subscriber whose buffer is full misses the record and is told so later.
func (h *Hub) Publish(name string, at time.Time, payload json.RawMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subs[name]
	if len(subs) == 0 {
		return
	}

	msg, err := protocol.Encode(protocol.TypeRecord, protocol.NewRecord(name, at, payload))
	if err != nil {
		h.log.Error("failed to encode tail record", "log", name, "error", err)
		return
	}

	for sub := range subs {
		h.enqueue(sub, msg)
	}
}

func (h *Hub) enqueue(sub *Subscriber, msg []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if sub.missed > 0 {
		lagged, err := protocol.Encode(protocol.TypeLagged, protocol.Lagged{Log: sub.Log, Missed: sub.missed})
		if err == nil {
			select {
			case sub.Send <- lagged:
				sub.missed = 0
			default:
				sub.missed++
				return
			}
		}
	}
	select {
	case sub.Send <- msg:
	default:
		sub.missed++
	}
}
