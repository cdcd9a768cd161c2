package sessions

import (
	"testing"
	"time"

	"github.com/openweaver/wisp/internal/providers"
)

func TestKeyForms(t *testing.T) {
	if got := Key("telegram", "42"); got != "telegram:42" {
		t.Errorf("Key = %q", got)
	}
	if got := CronKey("job-1"); got != "cron:job-1" {
		t.Errorf("CronKey = %q", got)
	}
	if !IsSynthetic("cron:job-1") || !IsSynthetic(HeartbeatKey) {
		t.Error("cron/heartbeat keys should be synthetic")
	}
	if IsSynthetic("telegram:42") {
		t.Error("conversation key flagged synthetic")
	}
	ch, chat := Split("shangwang:team-x")
	if ch != "shangwang" || chat != "team-x" {
		t.Errorf("Split = %q, %q", ch, chat)
	}
}

func TestSessionIsolation(t *testing.T) {
	m := NewManager("")
	m.AddMessage("telegram:1", providers.Message{Role: "user", Content: "a"})
	m.AddMessage("telegram:2", providers.Message{Role: "user", Content: "b"})

	h1 := m.GetHistory("telegram:1")
	h2 := m.GetHistory("telegram:2")
	if len(h1) != 1 || len(h2) != 1 {
		t.Fatalf("history lengths: %d, %d", len(h1), len(h2))
	}
	if h1[0].Content == h2[0].Content {
		t.Error("histories cross-contaminated")
	}

	// Returned history is a copy.
	h1[0].Content = "mutated"
	if m.GetHistory("telegram:1")[0].Content != "a" {
		t.Error("GetHistory leaked internal slice")
	}
}

func TestTruncateHistory(t *testing.T) {
	m := NewManager("")
	for i := 0; i < 10; i++ {
		m.AddMessage("k", providers.Message{Role: "user", Content: "m"})
	}
	m.TruncateHistory("k", 3)
	if got := len(m.GetHistory("k")); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	m.AddMessage("shangwang:p2p-alice", providers.Message{Role: "user", Content: "你好"})
	m.AddMessage("shangwang:p2p-alice", providers.Message{Role: "assistant", Content: "hi"})
	if err := m.Save("shangwang:p2p-alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2 := NewManager(dir)
	h := m2.GetHistory("shangwang:p2p-alice")
	if len(h) != 2 || h[0].Content != "你好" {
		t.Fatalf("reloaded history: %+v", h)
	}
}

func TestEvictIdle(t *testing.T) {
	m := NewManager("")
	m.AddMessage("old", providers.Message{Role: "user", Content: "x"})
	m.sessions["old"].Updated = time.Now().Add(-2 * time.Hour)
	m.AddMessage("fresh", providers.Message{Role: "user", Content: "y"})

	if n := m.EvictIdle(time.Hour); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if m.GetHistory("old") != nil {
		t.Error("old session should be gone")
	}
	if m.GetHistory("fresh") == nil {
		t.Error("fresh session should remain")
	}
}
