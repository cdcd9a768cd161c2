package bridge

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestFilterDropsOutgoingFlow(t *testing.T) {
	h := newHookState(0)
	if _, ok := h.Filter(hookEvent{SessionID: "p2p-alice", Text: "OK", Flow: "out"}, time.Now()); ok {
		t.Fatal("flow=out must be dropped")
	}
}

func TestFilterDropsOwnAccount(t *testing.T) {
	h := newHookState(0)
	h.SetMyAccount("me-account")
	if _, ok := h.Filter(hookEvent{SessionID: "p2p-alice", From: "me-account", Text: "hi"}, time.Now()); ok {
		t.Fatal("own-account message must be dropped")
	}
	if _, ok := h.Filter(hookEvent{SessionID: "p2p-alice", From: "someone-else", Text: "hi"}, time.Now()); !ok {
		t.Fatal("other senders must pass")
	}
}

// An emitted text that later surfaces as an inbound event is suppressed,
// even when flow and account fields are missing.
func TestFilterSuppressesEcho(t *testing.T) {
	h := newHookState(0)
	h.RecordSend("OK")

	if _, ok := h.Filter(hookEvent{SessionID: "p2p-alice", From: "me", Text: "OK"}, time.Now()); ok {
		t.Fatal("echo of a sent text must be suppressed")
	}
	if _, ok := h.Filter(hookEvent{SessionID: "p2p-alice", From: "alice", Text: "a real reply"}, time.Now()); !ok {
		t.Fatal("unrelated text must pass")
	}
}

func TestRecentSendsBounded(t *testing.T) {
	h := newHookState(0)
	for i := 0; i < recentSendsMax*2; i++ {
		h.RecordSend(fmt.Sprintf("msg-%d", i))
	}
	if len(h.recentSends) != recentSendsMax {
		t.Fatalf("recentSends len = %d, want %d", len(h.recentSends), recentSendsMax)
	}
	// The oldest entries have been evicted, so their echo passes.
	if _, ok := h.Filter(hookEvent{SessionID: "p2p-x", Text: "msg-0"}, time.Now()); !ok {
		t.Fatal("evicted send must no longer suppress")
	}
	if _, ok := h.Filter(hookEvent{SessionID: "p2p-x", Text: fmt.Sprintf("msg-%d", recentSendsMax*2-1)}, time.Now()); ok {
		t.Fatal("recent send must still suppress")
	}
}

// Two identical (chat_id, text) events within the window produce exactly
// one forward, regardless of differing id_clients.
func TestFilterDedupWindow(t *testing.T) {
	h := newHookState(5 * time.Second)
	now := time.Now()

	first := hookEvent{SessionID: "team-x", Text: "hi", IDClient: "id-1"}
	second := hookEvent{SessionID: "team-x", Text: "hi", IDClient: "id-2"}

	if _, ok := h.Filter(first, now); !ok {
		t.Fatal("first event must pass")
	}
	if _, ok := h.Filter(second, now.Add(3*time.Second)); ok {
		t.Fatal("duplicate within window must be dropped")
	}
	if _, ok := h.Filter(second, now.Add(6*time.Second)); !ok {
		t.Fatal("duplicate after window must pass")
	}
}

func TestFilterEmptyTextPlaceholders(t *testing.T) {
	h := newHookState(0)

	if _, ok := h.Filter(hookEvent{SessionID: "p2p-a", Text: "  "}, time.Now()); ok {
		t.Fatal("empty text without attachment must be dropped")
	}

	text, ok := h.Filter(hookEvent{SessionID: "p2p-a", Text: "", MsgType: "file", FileURL: "http://x/f"}, time.Now())
	if !ok || text != "[file]" {
		t.Fatalf("file placeholder = %q, ok=%v", text, ok)
	}
	text, ok = h.Filter(hookEvent{SessionID: "p2p-b", Text: "", MsgType: "image", FileURL: "http://x/i"}, time.Now())
	if !ok || text != "[image]" {
		t.Fatalf("image placeholder = %q, ok=%v", text, ok)
	}
}

// File events dedup on id_client+url, so the same caption with different
// attachments passes.
func TestFilterFileDedupKeyIncludesIDClient(t *testing.T) {
	h := newHookState(5 * time.Second)
	now := time.Now()

	a := hookEvent{SessionID: "team-x", Text: "report", FileURL: "http://x/1", IDClient: "id-1"}
	b := hookEvent{SessionID: "team-x", Text: "report", FileURL: "http://x/2", IDClient: "id-2"}

	if _, ok := h.Filter(a, now); !ok {
		t.Fatal("first file must pass")
	}
	if _, ok := h.Filter(b, now.Add(time.Second)); !ok {
		t.Fatal("different attachment with same caption must pass")
	}
	if _, ok := h.Filter(a, now.Add(2*time.Second)); ok {
		t.Fatal("same attachment again must be dropped")
	}
}

func TestRecentForwardedBounded(t *testing.T) {
	h := newHookState(time.Hour)
	now := time.Now()
	for i := 0; i <= recentForwardedMax; i++ {
		h.Filter(hookEvent{SessionID: "p2p-a", Text: fmt.Sprintf("t-%d", i)}, now)
	}
	if len(h.recentForwarded) > recentForwardedMax {
		t.Fatalf("recentForwarded len = %d, exceeds bound", len(h.recentForwarded))
	}
}

func TestSafeFilename(t *testing.T) {
	got := safeFilename(`team-1_<a>:"b"/c\d|e?f*g`)
	if strings.ContainsAny(got, `<>:"/\|?*`) {
		t.Fatalf("unsafe chars remain: %q", got)
	}
	if n := len([]rune(safeFilename(strings.Repeat("x", 300)))); n != 120 {
		t.Fatalf("truncated length = %d, want 120", n)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:      "disconnected",
		StateConnecting:        "connecting",
		StateConnectedUnhooked: "connected_unhooked",
		StateConnectedHooked:   "connected_hooked",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}
