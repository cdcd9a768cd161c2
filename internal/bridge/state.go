package bridge

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Connection states of the bridge.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedUnhooked
	StateConnectedHooked
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnectedUnhooked:
		return "connected_unhooked"
	case StateConnectedHooked:
		return "connected_hooked"
	default:
		return "disconnected"
	}
}

const (
	// recentSendsMax bounds the echo-suppression fifo.
	recentSendsMax = 50

	// recentForwardedMax triggers a full clear so the dedup map cannot grow
	// without bound.
	recentForwardedMax = 200

	// defaultDedupWindow suppresses identical (chat, text) pairs.
	defaultDedupWindow = 5 * time.Second
)

// hookEvent is one intercepted message as produced by the in-page hook.
type hookEvent struct {
	Source    string  `json:"source"`
	SessionID string  `json:"sessionId"`
	From      string  `json:"from"`
	FromNick  string  `json:"fromNick"`
	Text      string  `json:"text"`
	MsgType   string  `json:"msgType"`
	Time      float64 `json:"time"`
	IDClient  string  `json:"idClient"`
	Flow      string  `json:"flow"`
	FileURL   string  `json:"fileUrl"`
	FileName  string  `json:"fileName"`
	FileExt   string  `json:"fileExt"`
}

// hookState owns the echo-suppression and dedup structures. It is only
// touched from the bridge task; the mutex covers the send path, which runs
// on the WS handler goroutine.
type hookState struct {
	mu              sync.Mutex
	myAccountID     string
	recentSends     []string
	recentForwarded map[string]time.Time
	dedupWindow     time.Duration
}

func newHookState(dedupWindow time.Duration) *hookState {
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	return &hookState{
		recentForwarded: make(map[string]time.Time),
		dedupWindow:     dedupWindow,
	}
}

// SetMyAccount records the logged-in account for echo filtering.
func (h *hookState) SetMyAccount(id string) {
	h.mu.Lock()
	h.myAccountID = id
	h.mu.Unlock()
}

// MyAccount returns the cached account id.
func (h *hookState) MyAccount() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.myAccountID
}

// RecordSend remembers a text we are about to emit. Called before the send
// script runs, so a slow poll cannot surface the echo first.
func (h *hookState) RecordSend(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recentSends = append(h.recentSends, strings.TrimSpace(text))
	if len(h.recentSends) > recentSendsMax {
		h.recentSends = h.recentSends[len(h.recentSends)-recentSendsMax:]
	}
}

func (h *hookState) isRecentSend(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	for _, s := range h.recentSends {
		if s == trimmed {
			return true
		}
	}
	return false
}

// dedupKey identifies a forwarded message for the suppression window. File
// events include the id_client and a url prefix because the same caption
// can legitimately accompany different attachments.
func dedupKey(ev hookEvent, text string) string {
	if ev.FileURL != "" {
		url := ev.FileURL
		if len(url) > 80 {
			url = url[:80]
		}
		return fmt.Sprintf("%s:%s:%s", ev.SessionID, ev.IDClient, url)
	}
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) > 100 {
		trimmed = string(runes[:100])
	}
	return ev.SessionID + ":" + trimmed
}

// Filter applies the inbound filter chain to one intercepted event. It
// returns the (possibly placeholder-substituted) text and whether the event
// should be forwarded to the gateway.
func (h *hookState) Filter(ev hookEvent, now time.Time) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 1. Our own outgoing messages surface with flow=out.
	if ev.Flow == "out" {
		return "", false
	}
	// 2. Messages from our own account.
	if h.myAccountID != "" && ev.From == h.myAccountID {
		return "", false
	}
	// 3. Echo of a text we emitted through the send path.
	if h.isRecentSend(ev.Text) {
		return "", false
	}
	// 4. Empty text needs an attachment to be worth forwarding.
	text := ev.Text
	if strings.TrimSpace(text) == "" {
		if ev.FileURL == "" {
			return "", false
		}
		if ev.MsgType == "file" {
			text = "[file]"
		} else {
			text = "[image]"
		}
	}
	// 5. Dedup window on (chat, text).
	key := dedupKey(ev, text)
	if last, ok := h.recentForwarded[key]; ok && now.Sub(last) < h.dedupWindow {
		return "", false
	}
	h.recentForwarded[key] = now
	if len(h.recentForwarded) > recentForwardedMax {
		h.recentForwarded = map[string]time.Time{key: now}
	}

	return text, true
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// safeFilename makes a string usable as a file name.
func safeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "_")
	runes := []rune(s)
	if len(runes) > 120 {
		s = string(runes[:120])
	}
	return s
}
