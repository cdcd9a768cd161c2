package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected ok=false on cancelled context")
	}
}

func TestPerProducerFIFO(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.PublishInbound(InboundMessage{Channel: "t", Content: fmt.Sprintf("m%d", i)})
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("message %d missing", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Content != want {
			t.Errorf("got %q, want %q", msg.Content, want)
		}
	}
}

func TestPublishBlocksWhenFull(t *testing.T) {
	b := NewWithSize(1)
	b.PublishOutbound(OutboundMessage{Channel: "t", Content: "first"})

	published := make(chan struct{})
	go func() {
		b.PublishOutbound(OutboundMessage{Channel: "t", Content: "second"})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one slot unblocks the producer.
	if _, ok := b.SubscribeOutbound(context.Background()); !ok {
		t.Fatal("expected first message")
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after drain")
	}
}

func TestCloseRejectsNewPublishes(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "t", Content: "queued"})
	b.Close()

	// Dropped, does not block.
	b.PublishInbound(InboundMessage{Channel: "t", Content: "late"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "queued" {
		t.Fatalf("queued message should remain consumable, got %+v ok=%v", msg, ok)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := b.ConsumeInbound(ctx2); ok {
		t.Error("late publish should have been dropped")
	}
}
