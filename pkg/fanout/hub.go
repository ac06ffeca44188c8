// Package fanout broadcasts status and progress messages to observers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// message and its drop counter is incremented. Observers only render what
// they receive; nothing in the orchestrator reads from a subscription.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"opsbrain/pkg/protocol"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	ch      chan protocol.Message
	dropped atomic.Int64
}

// Hub fans messages out to every live subscriber.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// New creates an empty Hub.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "fanout"),
		subs: make(map[uint64]*subscriber),
	}
}

// Subscribe returns a channel of messages published after the call. The
// channel is closed when ctx is done or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context, buffer int) <-chan protocol.Message {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan protocol.Message, buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(id)
	}()
	return sub.ch
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	if n := sub.dropped.Load(); n > 0 {
		h.log.Debug("subscriber removed", "dropped", n)
	}
}

// Publish delivers msg to every subscriber that has room for it.
func (h *Hub) Publish(msg protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
}

// PublishStatus broadcasts a message_status notification. A nil turns slice
// is sent as "all".
func (h *Hub) PublishStatus(eventID string, status protocol.TurnStatus, turns []int) {
	h.Publish(protocol.Message{
		Type:   protocol.MsgMessageStatus,
		Status: protocol.NewStatusPayload(eventID, status, turns),
	})
}

// PublishProgress forwards an agent's progress line to observers.
func (h *Hub) PublishProgress(eventID string, actor protocol.Actor, message string) {
	h.Publish(protocol.Message{
		Type:     protocol.MsgProgress,
		Progress: &protocol.ProgressPayload{EventID: eventID, Actor: actor, Message: message},
	})
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
