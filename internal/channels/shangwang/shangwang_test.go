package shangwang

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/history"
)

func newTestChannel(t *testing.T, recorder *history.Recorder) (*Channel, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.New()
	c, err := New(config.ShangwangConfig{BridgeURL: "ws://127.0.0.1:1/ws"}, msgBus, recorder)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return c, msgBus
}

func TestNewRequiresBridgeURL(t *testing.T) {
	if _, err := New(config.ShangwangConfig{}, bus.New(), nil); err == nil {
		t.Fatal("expected error for missing bridge_url")
	}
}

func TestMessageFrameReachesBus(t *testing.T) {
	c, msgBus := newTestChannel(t, nil)

	c.handleFrame(Frame{
		Type:      "message",
		Sender:    "Alice",
		SenderID:  "u-1",
		ChatID:    "team-42",
		Content:   "hello there",
		Timestamp: 1700000000.5,
		IDClient:  "id-1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message on bus")
	}
	if msg.Channel != "shangwang" {
		t.Fatalf("channel = %q", msg.Channel)
	}
	if !msg.IsGroup {
		t.Fatal("team- chat must be a group")
	}
	if msg.Timestamp != 1700000000500 {
		t.Fatalf("timestamp = %d", msg.Timestamp)
	}
	if msg.IDClient != "id-1" {
		t.Fatalf("id_client = %q", msg.IDClient)
	}
}

func TestEmptyContentGetsTypePlaceholder(t *testing.T) {
	c, msgBus := newTestChannel(t, nil)

	c.handleFrame(Frame{Type: "message", SenderID: "u-1", ChatID: "p2p-7", MsgType: "image"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message on bus")
	}
	if msg.Content != "[image]" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.IsGroup {
		t.Fatal("p2p- chat must not be a group")
	}
}

func TestAdminMessageRecordedNotForwarded(t *testing.T) {
	ws := t.TempDir()
	recorder := history.NewRecorder(ws, nil, []string{"admin-1"})
	c, msgBus := newTestChannel(t, recorder)

	c.handleFrame(Frame{
		Type: "message", Sender: "Boss", SenderID: "admin-1",
		ChatID: "team-9", Content: "an admin reply",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatal("admin message must not reach the bus")
	}

	transcript := filepath.Join(ws, "chat_history", "shangwang", "team-9.jsonl")
	rows := c.recorder.ListChats("shangwang")
	if len(rows) != 1 || rows[0].MsgCount != 1 {
		t.Fatalf("transcript %s not recorded: %+v", transcript, rows)
	}
}

func TestQueryTimesOutWhenDisconnected(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.MyID(ctx); err == nil {
		t.Fatal("expected error while disconnected")
	} else if !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("err = %v", err)
	}
}

func TestResolvePendingDeliversReply(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending["my_id"] = ch
	c.pendingMu.Unlock()

	if !c.resolvePending(Frame{Type: "my_id", Account: "acct-5"}) {
		t.Fatal("resolvePending returned false with a waiter registered")
	}
	reply := <-ch
	if reply.Account != "acct-5" {
		t.Fatalf("account = %q", reply.Account)
	}

	if c.resolvePending(Frame{Type: "my_id", Account: "acct-5"}) {
		t.Fatal("second resolve must find no waiter")
	}
}
