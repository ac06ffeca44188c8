// Package agent implements the worker side of the dispatcher protocol. An
// Agent connects to the brain's socket, registers its role, runs one task at
// a time through an Executor and streams progress back. It answers busy
// while occupied and reconnects with jitter when the connection drops.
package agent

import (
	"sync"

	"opsbrain/pkg/protocol"
)

// MessageBuffer is a bounded FIFO of messages held while disconnected.
// When full, the oldest message is evicted.
type MessageBuffer struct {
	mu   sync.Mutex
	msgs []protocol.Message
	cap  int
}

// NewMessageBuffer creates a buffer with the given maximum capacity.
func NewMessageBuffer(capacity int) *MessageBuffer {
	return &MessageBuffer{
		msgs: make([]protocol.Message, 0, capacity),
		cap:  capacity,
	}
}

// Add appends a message, evicting the oldest progress line first when full.
// Results are only evicted when the buffer holds nothing else.
func (b *MessageBuffer) Add(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.msgs) < b.cap {
		b.msgs = append(b.msgs, msg)
		return
	}
	victim := 0
	for i, m := range b.msgs {
		if m.Type == protocol.MsgProgress {
			victim = i
			break
		}
	}
	copy(b.msgs[victim:], b.msgs[victim+1:])
	b.msgs[len(b.msgs)-1] = msg
}

// Drain returns all buffered messages and clears the buffer.
func (b *MessageBuffer) Drain() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.msgs) == 0 {
		return nil
	}
	out := make([]protocol.Message, len(b.msgs))
	copy(out, b.msgs)
	b.msgs = b.msgs[:0]
	return out
}

// Len returns the number of buffered messages.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
