// Package wecom implements the WeCom (企业微信) channel. It pushes messages
// to members through a WeCom self-built app; inbound messages require a
// callback URL configured in the WeCom console and are out of scope here.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/channels"
	"github.com/openweaver/wisp/internal/config"
)

const (
	defaultTokenURL = "https://qyapi.weixin.qq.com/cgi-bin/gettoken"
	defaultSendURL  = "https://qyapi.weixin.qq.com/cgi-bin/message/send"

	// Tokens are valid for 7200s; refresh 5 minutes early.
	tokenTTL         = 7200 * time.Second
	tokenEarlyExpiry = 300 * time.Second
)

// Channel sends text messages via the WeCom app message API.
type Channel struct {
	*channels.BaseChannel
	config config.WeComConfig
	client *http.Client

	tokenURL string
	sendURL  string

	mu        sync.Mutex
	token     string
	tokenExp  time.Time
	tokenCall singleflight.Group
}

// NewChannel creates the wecom channel.
func NewChannel(cfg config.WeComConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wecom", msgBus, cfg.AllowFrom),
		config:      cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		tokenURL:    defaultTokenURL,
		sendURL:     defaultSendURL,
	}
}

// Start marks the channel ready. WeCom needs no long-lived connection for
// sending.
func (c *Channel) Start(ctx context.Context) error {
	if c.config.CorpID == "" || c.config.CorpSecret == "" {
		return fmt.Errorf("wecom corp_id and corp_secret are required")
	}
	c.SetRunning(true)
	slog.Info("wecom channel ready", "agent_id", c.config.AgentID)
	return nil
}

// Stop clears the cached token.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
	return nil
}

// Send pushes a text message. ChatID is the member UserID, or "@all" for
// every member of the app. A send rejected for an invalidated token (e.g.
// the secret was rotated) gets one refresh+retry.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	err := c.send(ctx, msg)
	if errCode(err) == 40014 || errCode(err) == 42001 {
		c.invalidateToken()
		return c.send(ctx, msg)
	}
	return err
}

// apiError is a non-zero errcode from the WeCom API.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wecom send error %d: %s", e.Code, e.Msg)
}

func errCode(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return 0
}

func (c *Channel) send(ctx context.Context, msg bus.OutboundMessage) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("wecom token: %w", err)
	}

	body := map[string]any{
		"touser":  msg.ChatID,
		"msgtype": "text",
		"agentid": c.config.AgentID,
		"text":    map[string]string{"content": msg.Content},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal send body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.sendURL+"?access_token="+url.QueryEscape(token), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wecom send: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read send response: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse send response: %w", err)
	}
	if result.ErrCode != 0 {
		return &apiError{Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return nil
}

// accessToken returns a cached token, refreshing through singleflight so
// concurrent sends trigger at most one gettoken request.
func (c *Channel) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.tokenCall.Do("token", func() (any, error) {
		// Another caller may have refreshed while we queued.
		c.mu.Lock()
		if c.token != "" && time.Now().Before(c.tokenExp) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Channel) fetchToken(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("corpid", c.config.CorpID)
	q.Set("corpsecret", c.config.CorpSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gettoken: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse gettoken response: %w", err)
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("gettoken error %d: %s", result.ErrCode, result.ErrMsg)
	}

	ttl := tokenTTL
	if result.ExpiresIn > 0 {
		ttl = time.Duration(result.ExpiresIn) * time.Second
	}

	c.mu.Lock()
	c.token = result.AccessToken
	c.tokenExp = time.Now().Add(ttl - tokenEarlyExpiry)
	c.mu.Unlock()

	slog.Debug("wecom token refreshed", "expires_in", ttl)
	return result.AccessToken, nil
}

func (c *Channel) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}
