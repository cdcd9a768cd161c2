// Package whatsapp connects to a WhatsApp bridge process over WebSocket.
// The bridge handles the actual WhatsApp protocol; this channel exchanges
// JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/channels"
	"github.com/openweaver/wisp/internal/config"
)

// reconnectDelay is the fixed wait between bridge reconnect attempts. The
// bridge is a local side-car, so a short linear retry beats backoff.
const reconnectDelay = 5 * time.Second

// Channel is the WhatsApp bridge client.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// New creates a WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

// Start connects to the bridge and begins listening. A failed initial
// connection is not fatal; the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(loopCtx)
	c.SetRunning(true)
	return nil
}

// Stop shuts the channel down.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message to the bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	payload := map[string]any{
		"type":    "message",
		"to":      msg.ChatID,
		"content": msg.Content,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// Login drives the bridge's device-link flow on a dedicated connection.
// The bridge answers a login frame with zero or more "qr" frames (payload
// to render for scanning) and a final "status" frame once the device is
// linked. onQR is called for each fresh code.
func (c *Channel) Login(ctx context.Context, onQR func(code string)) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(map[string]any{"type": "login"}); err != nil {
		return fmt.Errorf("request login: %w", err)
	}

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("login not completed: %w", ctx.Err())
			}
			return fmt.Errorf("read login frame: %w", err)
		}
		switch frame["type"] {
		case "qr":
			if code, _ := frame["code"].(string); code != "" && onQR != nil {
				onQR(code)
			}
		case "status":
			status, _ := frame["status"].(string)
			switch status {
			case "logged_in", "connected":
				return nil
			case "logged_out":
				// bridge restarts the flow, keep waiting for the next qr
			default:
				slog.Debug("whatsapp login status", "status", status)
			}
		case "error":
			msg, _ := frame["error"].(string)
			return fmt.Errorf("bridge login failed: %s", msg)
		}
	}
}

func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
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
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}
		if frameType, _ := frame["type"].(string); frameType == "message" {
			c.handleIncomingMessage(frame)
		}
	}
}

// handleIncomingMessage processes one inbound frame. Expected shape:
// {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"...","media":[...]}
func (c *Channel) handleIncomingMessage(frame map[string]any) {
	senderID, ok := frame["from"].(string)
	if !ok || senderID == "" {
		return
	}

	chatID, _ := frame["chat"].(string)
	if chatID == "" {
		chatID = senderID
	}

	content, _ := frame["content"].(string)
	if content == "" {
		content = "[empty message]"
	}

	var media []string
	if mediaData, ok := frame["media"].([]any); ok {
		for _, m := range mediaData {
			if path, ok := m.(string); ok {
				media = append(media, path)
			}
		}
	}

	metadata := make(map[string]string)
	idClient := ""
	if messageID, ok := frame["id"].(string); ok {
		metadata["message_id"] = messageID
		idClient = messageID
	}
	senderNick := ""
	if name, ok := frame["from_name"].(string); ok {
		senderNick = name
	}

	slog.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:   senderID,
		SenderNick: senderNick,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		IsGroup:    strings.HasSuffix(chatID, "@g.us"),
		IDClient:   idClient,
		Metadata:   metadata,
	})
}
