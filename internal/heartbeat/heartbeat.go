// Package heartbeat injects a periodic maintenance turn and runs the
// workspace upkeep callback.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/openweaver/wisp/internal/agent"
	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/sessions"
)

// DefaultInterval between heartbeats.
const DefaultInterval = 30 * time.Minute

// Maintenance is the upkeep hook run on every beat: web-cache TTL check,
// short-term knowledge eviction, idle session eviction.
type Maintenance func(ctx context.Context)

// Service is the heartbeat task.
type Service struct {
	bus       *bus.MessageBus
	workspace string
	every     time.Duration
	maintain  Maintenance
}

// New creates a Service. A zero interval uses the default; a negative one
// disables the heartbeat entirely.
func New(msgBus *bus.MessageBus, workspace string, every time.Duration, maintain Maintenance) *Service {
	if every == 0 {
		every = DefaultInterval
	}
	return &Service{bus: msgBus, workspace: workspace, every: every, maintain: maintain}
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.every < 0 {
		slog.Info("heartbeat disabled")
		return
	}
	slog.Info("heartbeat started", "every", s.every)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped")
			return
		case <-ticker.C:
			s.Beat(ctx)
		}
	}
}

// Beat runs one heartbeat: maintenance first, then the synthetic turn.
// Without a heartbeat prompt file the turn is skipped, maintenance still
// runs.
func (s *Service) Beat(ctx context.Context) {
	if s.maintain != nil {
		s.maintain(ctx)
	}

	prompt := agent.HeartbeatPrompt(s.workspace)
	if prompt == "" {
		slog.Debug("no heartbeat prompt, skipping turn", "file", agent.HeartbeatFile)
		return
	}
	s.bus.PublishInbound(bus.InboundMessage{
		Channel:   sessions.HeartbeatKey,
		SenderID:  sessions.HeartbeatKey,
		Content:   prompt,
		Timestamp: time.Now().UnixMilli(),
	})
}
