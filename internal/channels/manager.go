package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/openweaver/wisp/internal/bus"
)

// Manager owns all registered channels: lifecycle, outbound dispatch, and
// per-channel send rate limiting.
type Manager struct {
	channels map[string]Channel
	limiters map[string]*rate.Limiter
	bus      *bus.MessageBus
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// sendRate is the default outbound pace per channel. Messaging platforms
// throttle bots that burst; one message a second with a small burst stays
// comfortably under every platform's limit.
var sendRate = rate.Limit(1)

const sendBurst = 3

// NewManager creates a channel manager. Channels are registered externally
// via RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
		bus:      msgBus,
	}
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	m.limiters[name] = rate.NewLimiter(sendRate, sendBurst)
}

// StartAll starts every registered channel and the outbound dispatch loop.
// The dispatcher starts even with no channels so cron and heartbeat output
// is drained (and logged) rather than piling up in the bus.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the owning channel. Messages for unknown or disconnected channels are
// dropped with a warning rather than blocking the queue.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				slog.Info("outbound dispatcher stopped")
				return
			}
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		limiter := m.limiters[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("dropping outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if !channel.IsRunning() {
			slog.Warn("dropping outbound message, channel not connected",
				"channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}

		cleanupTempMedia(msg.Media)
	}
}

// cleanupTempMedia removes media files that tools staged in the temp dir.
// Files elsewhere (workspace documents) are left alone.
func cleanupTempMedia(media []bus.MediaAttachment) {
	tmp := os.TempDir()
	for _, att := range media {
		if att.URL == "" || !strings.HasPrefix(att.URL, tmp) {
			continue
		}
		if err := os.Remove(att.URL); err != nil && !os.IsNotExist(err) {
			slog.Debug("failed to clean up media file", "path", att.URL, "error", err)
		}
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// SendToChannel delivers a message directly to a named channel, bypassing
// the bus. Used by CLI commands.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return channel.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
