// Package bridge is the CDP side-car that attaches to the 商网 Electron
// client via its remote-debugging port, hooks the renderer's message store,
// and exposes a local WebSocket the gateway's shangwang channel speaks.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openweaver/wisp/internal/config"
)

const (
	defaultListen       = "127.0.0.1:3010"
	defaultPollInterval = 3 * time.Second

	// hookRetryTicks re-runs hook injection every N-th unhooked poll tick
	// (about 15 s at the default interval).
	hookRetryTicks = 5

	// sendRetryDelay is the wait before the single send retry on timeout.
	sendRetryDelay = 2 * time.Second
)

// frame is one bridge protocol message.
type frame struct {
	Type string `json:"type"`

	Sender    string   `json:"sender,omitempty"`
	SenderID  string   `json:"sender_id,omitempty"`
	ChatID    string   `json:"chat_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	MsgType   string   `json:"msg_type,omitempty"`
	Timestamp float64  `json:"timestamp,omitempty"`
	IDClient  string   `json:"id_client,omitempty"`
	IsGroup   bool     `json:"is_group,omitempty"`
	Media     []string `json:"media,omitempty"`

	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	Account      string `json:"account,omitempty"`
	OK           bool   `json:"ok,omitempty"`
	CurrSession  string `json:"currSession,omitempty"`
	OtherPartyID string `json:"otherPartyId,omitempty"`
	MyAccount    string `json:"myAccount,omitempty"`
	Sessions     []any  `json:"sessions,omitempty"`
	Msgs         []any  `json:"msgs,omitempty"`
}

// wsConn wraps a gorilla connection with a write mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Server owns the CDP client, the connected gateway WebSocket (one primary
// client receiving message pushes, plus transient query clients), and the
// echo/dedup state.
type Server struct {
	cfg  config.BridgeConfig
	cdp  *cdpClient
	hook *hookState

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.Mutex
	primary *wsConn
}

// NewServer creates a bridge server from config.
func NewServer(cfg config.BridgeConfig) *Server {
	if cfg.CDPBase == "" {
		cfg.CDPBase = "127.0.0.1:9222"
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	dedupWindow := time.Duration(cfg.DedupWindowSec) * time.Second
	return &Server{
		cfg:  cfg,
		cdp:  newCDPClient(cfg.CDPBase, cfg.TargetURLPattern, cfg.MutationNames),
		hook: newHookState(dedupWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bridge binds loopback and serves a non-browser client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the poll loop and the WebSocket server, blocking until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(ctx, w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state":%q}`, s.State())
	})

	s.httpServer = &http.Server{Addr: s.cfg.Listen, Handler: mux}

	go s.pollLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		s.cdp.Disconnect()
	}()

	slog.Info("bridge listening", "addr", s.cfg.Listen, "cdp", s.cfg.CDPBase)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("bridge server: %w", err)
	}
	return nil
}

// State reports the bridge connection state.
func (s *Server) State() State {
	switch {
	case !s.cdp.Connected():
		return StateDisconnected
	case !s.cdp.Hooked():
		return StateConnectedUnhooked
	default:
		return StateConnectedHooked
	}
}

// ensureCDP connects and hooks if needed. Safe to call on every tick.
func (s *Server) ensureCDP(ctx context.Context) bool {
	if s.cdp.Connected() {
		return true
	}
	if err := s.cdp.Connect(ctx); err != nil {
		slog.Warn("CDP connect failed", "error", err)
		return false
	}
	if _, err := s.cdp.InjectHook(); err != nil {
		slog.Warn("hook injection failed, will retry on poll", "error", err)
	}
	if id, err := s.cdp.MyID(); err == nil && id != "" {
		s.hook.SetMyAccount(id)
		slog.Info("logged-in account resolved", "account", id)
	} else {
		slog.Warn("account id unavailable, echo filter falls back to text matching")
	}
	return true
}

// pollLoop drains the hook queue every poll interval and pushes filtered
// events to the primary gateway client.
func (s *Server) pollLoop(ctx context.Context) {
	interval := defaultPollInterval
	if s.cfg.PollIntervalSec > 0 {
		interval = time.Duration(s.cfg.PollIntervalSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retryCounter := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		client := s.primaryClient()
		if client == nil {
			continue
		}
		if !s.ensureCDP(ctx) {
			continue
		}

		if !s.cdp.Hooked() {
			retryCounter++
			if retryCounter%hookRetryTicks == 1 {
				slog.Info("retrying hook injection")
				if _, err := s.cdp.InjectHook(); err != nil {
					slog.Warn("hook injection failed", "error", err)
				}
			}
			continue
		}

		events, err := s.cdp.PollEvents()
		if err != nil {
			slog.Warn("poll failed, dropping CDP connection", "error", err)
			s.cdp.Disconnect()
			continue
		}
		for _, ev := range events {
			s.forwardEvent(ctx, client, ev)
		}
	}
}

// forwardEvent applies the inbound filter chain to one intercepted event
// and, if it survives, pushes it to the gateway.
func (s *Server) forwardEvent(ctx context.Context, client *wsConn, ev hookEvent) {
	text, ok := s.hook.Filter(ev, time.Now())
	if !ok {
		return
	}

	var media []string
	if ev.FileURL != "" {
		path, err := s.downloadAttachment(ctx, ev)
		if err != nil {
			slog.Warn("attachment download failed", "file", ev.FileName, "error", err)
			hint := "[note: attachment download failed, ask the sender to re-send the file]"
			if strings.TrimSpace(text) == "" {
				text = hint
			} else {
				text += "\n\n" + hint
			}
		} else {
			media = append(media, path)
		}
	}

	sender := ev.FromNick
	if sender == "" {
		sender = ev.From
	}
	if sender == "" {
		sender = "unknown"
	}

	msg := frame{
		Type:      "message",
		Sender:    sender,
		SenderID:  ev.From,
		ChatID:    ev.SessionID,
		Content:   text,
		MsgType:   ev.MsgType,
		Timestamp: ev.Time / 1000,
		IDClient:  ev.IDClient,
		IsGroup:   strings.Contains(ev.SessionID, "team"),
		Media:     media,
	}
	if err := client.sendJSON(msg); err != nil {
		slog.Warn("push to gateway failed", "error", err)
		return
	}
	slog.Info("forwarded message",
		"chat_id", ev.SessionID, "sender", sender, "preview", preview(text, 50))
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func (s *Server) primaryClient() *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// handleWebSocket serves one gateway connection. The first client becomes
// primary and receives message pushes; later connections are query clients.
func (s *Server) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsConn{conn: conn}

	s.mu.Lock()
	isPrimary := s.primary == nil
	if isPrimary {
		s.primary = client
	}
	s.mu.Unlock()
	slog.Info("gateway client connected", "primary", isPrimary)

	status := "cdp_not_connected"
	if s.ensureCDP(ctx) {
		status = "ready"
	}
	_ = client.sendJSON(frame{Type: "status", Status: status})

	defer func() {
		s.mu.Lock()
		if s.primary == client {
			s.primary = nil
			slog.Info("primary gateway client disconnected, message push paused")
		} else {
			slog.Info("query client disconnected")
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd frame
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = client.sendJSON(frame{Type: "error", Error: "invalid message: " + err.Error()})
			continue
		}
		s.handleCommand(ctx, client, cmd)
	}
}

// handleCommand dispatches one gateway command frame.
func (s *Server) handleCommand(ctx context.Context, client *wsConn, cmd frame) {
	switch cmd.Type {
	case "send":
		s.handleSend(ctx, client, cmd)

	case "ping":
		_ = client.sendJSON(frame{Type: "status", Status: "pong"})

	case "my_id":
		_ = client.sendJSON(frame{Type: "my_id", Account: s.hook.MyAccount()})

	case "sessions", "current_session":
		if !s.ensureCDP(ctx) {
			_ = client.sendJSON(frame{Type: "error", Error: "CDP not connected"})
			return
		}
		snap, err := s.cdp.SessionInfo()
		if err != nil {
			_ = client.sendJSON(frame{Type: "error", Error: err.Error()})
			return
		}
		otherParty := strings.TrimPrefix(strings.TrimPrefix(snap.CurrSession, "p2p-"), "team-")
		sessions := make([]any, 0, len(snap.Sessions))
		for _, sess := range snap.Sessions {
			sessions = append(sessions, sess)
		}
		_ = client.sendJSON(frame{
			Type:         "current_session",
			CurrSession:  snap.CurrSession,
			OtherPartyID: otherParty,
			MyAccount:    s.hook.MyAccount(),
			Sessions:     sessions,
		})

	case "fetch_current_chat":
		if !s.ensureCDP(ctx) {
			_ = client.sendJSON(frame{Type: "error", Error: "CDP not connected"})
			return
		}
		dump, err := s.cdp.FetchCurrentChat()
		if err != nil {
			_ = client.sendJSON(frame{Type: "error", Error: err.Error()})
			return
		}
		msgs := make([]any, 0, len(dump.Msgs))
		for _, m := range dump.Msgs {
			msgs = append(msgs, m)
		}
		_ = client.sendJSON(frame{
			Type:        "fetch_current_chat",
			OK:          dump.OK,
			CurrSession: dump.CurrSession,
			Msgs:        msgs,
		})

	case "rehook":
		if !s.cdp.Connected() {
			_ = client.sendJSON(frame{Type: "error", Error: "CDP not connected"})
			return
		}
		s.cdp.setHooked(false)
		ok, err := s.cdp.InjectHook()
		status := "hooked"
		if err != nil || !ok {
			status = "hook_failed"
		}
		_ = client.sendJSON(frame{Type: "status", Status: status})

	default:
		_ = client.sendJSON(frame{Type: "error", Error: "unknown command: " + cmd.Type})
	}
}

// handleSend drives the in-page send path: record for echo suppression
// first, then evaluate, retrying once after a timeout.
func (s *Server) handleSend(ctx context.Context, client *wsConn, cmd frame) {
	if cmd.Text == "" {
		_ = client.sendJSON(frame{Type: "error", Error: "text is empty"})
		return
	}
	if !s.ensureCDP(ctx) {
		_ = client.sendJSON(frame{Type: "error", Error: "CDP not connected, check the app's remote-debugging flag"})
		return
	}

	s.hook.RecordSend(cmd.Text)

	result := s.cdp.SendText(cmd.ChatID, cmd.Text)
	if !result.OK && result.Timeout {
		slog.Warn("send timed out, retrying once")
		time.Sleep(sendRetryDelay)
		result = s.cdp.SendText(cmd.ChatID, cmd.Text)
	}

	if result.OK {
		_ = client.sendJSON(frame{Type: "status", Status: "sent"})
		slog.Info("sent message", "chat_id", cmd.ChatID, "preview", preview(cmd.Text, 50))
	} else {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "send failed"
		}
		_ = client.sendJSON(frame{Type: "error", Error: errMsg})
	}
}
