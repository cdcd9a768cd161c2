package bus

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the per-queue buffer. When a queue is full, publishers
// block rather than drop — slow consumers apply backpressure to transports.
const DefaultQueueSize = 1024

// MessageBus is a process-local two-queue fan-in/fan-out with no persistence.
// Multiple producers and consumers are supported; FIFO is preserved per
// producer but there is no global ordering across transports.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ MessageRouter = (*MessageBus)(nil)

// New creates a message bus with the default queue size.
func New() *MessageBus {
	return NewWithSize(DefaultQueueSize)
}

// NewWithSize creates a message bus with a custom per-queue buffer.
func NewWithSize(size int) *MessageBus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message from a transport, blocking when the queue
// is full. After Close the message is dropped with a warning.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		slog.Warn("bus closed, dropping inbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	select {
	case b.inbound <- msg:
	case <-b.done:
		slog.Warn("bus closed, dropping inbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or the context is
// cancelled. The second return is false when no message was received.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for the addressed transport, blocking when
// the queue is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		slog.Warn("bus closed, dropping outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	select {
	case b.outbound <- msg:
	case <-b.done:
		slog.Warn("bus closed, dropping outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or the
// context is cancelled. The channel manager demultiplexes on msg.Channel.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// InboundLen reports the number of queued inbound messages.
func (b *MessageBus) InboundLen() int { return len(b.inbound) }

// OutboundLen reports the number of queued outbound messages.
func (b *MessageBus) OutboundLen() int { return len(b.outbound) }

// Close stops accepting new messages. Queued messages remain consumable so a
// draining shutdown can finish in-flight turns.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
