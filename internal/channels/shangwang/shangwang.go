// Package shangwang connects to the CDP bridge side-car that drives the
// 商网 desktop IM. The bridge owns the browser session; this channel is a
// thin WebSocket client speaking its line-delimited JSON protocol.
package shangwang

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/channels"
	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/history"
)

const (
	// reconnectDelay is the fixed wait between bridge reconnect attempts.
	reconnectDelay = 5 * time.Second

	// queryTimeout bounds control queries (my_id, sessions, fetch) to the
	// bridge. The bridge answers from in-page state, so this is generous.
	queryTimeout = 15 * time.Second
)

// Frame is one bridge protocol message, inbound or outbound. Only the
// fields relevant to the frame's type are populated.
type Frame struct {
	Type string `json:"type"`

	// message
	Sender    string   `json:"sender,omitempty"`
	SenderID  string   `json:"sender_id,omitempty"`
	ChatID    string   `json:"chat_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	MsgType   string   `json:"msg_type,omitempty"`
	Timestamp float64  `json:"timestamp,omitempty"`
	IDClient  string   `json:"id_client,omitempty"`
	IsGroup   bool     `json:"is_group,omitempty"`
	Media     []string `json:"media,omitempty"`

	// send
	Text string `json:"text,omitempty"`

	// status / error
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// my_id / current_session / fetch_current_chat
	Account      string                   `json:"account,omitempty"`
	OK           bool                     `json:"ok,omitempty"`
	CurrSession  string                   `json:"currSession,omitempty"`
	OtherPartyID string                   `json:"otherPartyId,omitempty"`
	MyAccount    string                   `json:"myAccount,omitempty"`
	Sessions     []SessionInfo            `json:"sessions,omitempty"`
	Msgs         []history.FetchedMessage `json:"msgs,omitempty"`
}

// SessionInfo is one open conversation as reported by the bridge.
type SessionInfo struct {
	ID       string `json:"id"`
	Nick     string `json:"nick,omitempty"`
	LastText string `json:"lastText,omitempty"`
	Unread   int    `json:"unread,omitempty"`
}

// Channel is the shangwang bridge client.
type Channel struct {
	*channels.BaseChannel
	config   config.ShangwangConfig
	recorder *history.Recorder

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	// pending correlates control queries with their reply frames, keyed
	// by frame type. The bridge is single-threaded per query type, so one
	// waiter per type is enough.
	pendingMu sync.Mutex
	pending   map[string]chan Frame
}

// New creates a shangwang channel from config.
func New(cfg config.ShangwangConfig, msgBus *bus.MessageBus, recorder *history.Recorder) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("shangwang bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("shangwang", msgBus, cfg.AllowFrom),
		config:      cfg,
		recorder:    recorder,
		pending:     make(map[string]chan Frame),
	}, nil
}

// Start connects to the bridge and begins listening. A failed initial
// connection is not fatal; the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting shangwang channel", "bridge_url", c.config.BridgeURL)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.connect(loopCtx); err != nil {
		slog.Warn("initial shangwang bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(loopCtx)
	c.SetRunning(true)
	return nil
}

// Stop shuts the channel down.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping shangwang channel")
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message through the bridge. The bridge echoes
// a status frame once the in-page send completes; delivery confirmation is
// not awaited here.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return c.writeFrame(ctx, Frame{Type: "send", ChatID: msg.ChatID, Text: msg.Content})
}

// MyID asks the bridge for the logged-in account ID.
func (c *Channel) MyID(ctx context.Context) (string, error) {
	reply, err := c.query(ctx, Frame{Type: "my_id"})
	if err != nil {
		return "", err
	}
	return reply.Account, nil
}

// CurrentSession returns the conversation currently open in the IM page
// together with the session list.
func (c *Channel) CurrentSession(ctx context.Context) (*Frame, error) {
	reply, err := c.query(ctx, Frame{Type: "current_session"})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Sessions asks the bridge for the open conversation list.
func (c *Channel) Sessions(ctx context.Context) ([]SessionInfo, error) {
	reply, err := c.query(ctx, Frame{Type: "sessions"})
	if err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// FetchCurrentChat pulls the message history of the currently open
// conversation from the in-page store and archives it through the
// transcript recorder. Returns the chat ID and the number of newly
// archived rows.
func (c *Channel) FetchCurrentChat(ctx context.Context) (string, int, error) {
	reply, err := c.query(ctx, Frame{Type: "fetch_current_chat"})
	if err != nil {
		return "", 0, err
	}
	if !reply.OK {
		return "", 0, fmt.Errorf("bridge could not read current chat")
	}
	chatID := reply.CurrSession
	if chatID == "" {
		return "", 0, fmt.Errorf("no conversation is open in the IM page")
	}
	if c.recorder == nil {
		return chatID, 0, nil
	}
	added, err := c.recorder.SaveFetched("shangwang", chatID, reply.Msgs, strings.HasPrefix(chatID, "team-"))
	if err != nil {
		return chatID, 0, fmt.Errorf("archive fetched chat: %w", err)
	}
	return chatID, added, nil
}

// Rehook asks the bridge to reinstall its in-page message hook.
func (c *Channel) Rehook(ctx context.Context) error {
	return c.writeFrame(ctx, Frame{Type: "rehook"})
}

func (c *Channel) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial shangwang bridge %s: %w", c.config.BridgeURL, err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("shangwang bridge connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) writeFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("shangwang bridge not connected")
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// query sends a control frame and waits for the reply frame of the same
// type. Concurrent queries of the same type share the first reply.
func (c *Channel) query(ctx context.Context, frame Frame) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	replyType := frame.Type
	if replyType == "sessions" {
		// The session list comes back on the current_session frame.
		replyType = "current_session"
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[replyType]
	if !ok {
		ch = make(chan Frame, 1)
		c.pending[replyType] = ch
	}
	c.pendingMu.Unlock()

	if err := c.writeFrame(ctx, frame); err != nil {
		return Frame{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("%s query: %w", frame.Type, ctx.Err())
	}
}

func (c *Channel) resolvePending(frame Frame) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.Type]
	if ok {
		delete(c.pending, frame.Type)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// listenLoop reads frames from the bridge and reconnects on failure.
func (c *Channel) listenLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if err := c.connect(ctx); err != nil {
				slog.Warn("shangwang bridge reconnect failed", "error", err)
			}
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("shangwang read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close(websocket.StatusAbnormalClosure, "read error")
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("invalid shangwang frame JSON", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame Frame) {
	switch frame.Type {
	case "message":
		c.handleIncomingMessage(frame)
	case "my_id", "current_session", "fetch_current_chat":
		if !c.resolvePending(frame) {
			slog.Debug("unsolicited shangwang reply frame", "type", frame.Type)
		}
	case "status":
		slog.Debug("shangwang bridge status", "status", frame.Status)
		if frame.Status == "disconnected" || frame.Status == "cdp_not_connected" {
			slog.Warn("shangwang bridge lost its IM page", "status", frame.Status)
		}
	case "error":
		slog.Warn("shangwang bridge error", "error", frame.Error)
	default:
		slog.Debug("unknown shangwang frame type", "type", frame.Type)
	}
}

func (c *Channel) handleIncomingMessage(frame Frame) {
	if frame.ChatID == "" {
		return
	}

	content := frame.Content
	if content == "" {
		content = "[" + frame.MsgType + "]"
	}

	isGroup := frame.IsGroup || strings.HasPrefix(frame.ChatID, "team-")

	slog.Debug("shangwang message received",
		"sender_id", frame.SenderID,
		"chat_id", frame.ChatID,
		"preview", channels.Truncate(content, 50),
	)

	if c.recorder != nil {
		if err := c.recorder.Record("shangwang", history.Record{
			Timestamp: frame.Timestamp,
			Sender:    frame.Sender,
			SenderID:  frame.SenderID,
			Content:   frame.Content,
			ChatID:    frame.ChatID,
			IsGroup:   isGroup,
			IDClient:  frame.IDClient,
		}); err != nil {
			slog.Warn("failed to record shangwang transcript", "error", err)
		}
		// The admin's own replies in a group are context, not prompts.
		if c.recorder.Role(frame.Sender, frame.SenderID) == history.RoleAdmin {
			return
		}
	}

	var timestamp int64
	if frame.Timestamp > 0 {
		timestamp = int64(frame.Timestamp * 1000)
	}

	c.HandleMessage(bus.InboundMessage{
		SenderID:   frame.SenderID,
		SenderNick: frame.Sender,
		ChatID:     frame.ChatID,
		Content:    content,
		Media:      frame.Media,
		IsGroup:    isGroup,
		IDClient:   frame.IDClient,
		Timestamp:  timestamp,
		Metadata:   map[string]string{"transcribed": "1"},
	})
}
