package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/history"
	"github.com/openweaver/wisp/internal/sessions"
)

const (
	defaultTurnTimeout   = 120 * time.Second
	defaultMaxConcurrent = 8
	defaultDrainTimeout  = 30 * time.Second
)

// DispatcherConfig assembles a Dispatcher.
type DispatcherConfig struct {
	Bus           *bus.MessageBus
	Loop          *Loop
	Recorder      *history.Recorder // optional transcript append
	TurnTimeout   time.Duration
	MaxConcurrent int
	DrainTimeout  time.Duration
}

// Dispatcher consumes inbound bus messages and runs turns. Messages for
// the same session key are processed strictly in arrival order with at
// most one in-flight turn; different keys run in parallel up to a global
// cap.
type Dispatcher struct {
	bus          *bus.MessageBus
	loop         *Loop
	recorder     *history.Recorder
	turnTimeout  time.Duration
	drainTimeout time.Duration
	sem          chan struct{}

	mu     sync.Mutex
	queues map[string]*sessionQueue
	wg     sync.WaitGroup
}

// sessionQueue holds messages waiting for a key whose worker is busy.
type sessionQueue struct {
	pending []bus.InboundMessage
	running bool
}

// NewDispatcher creates a Dispatcher with defaults for unset limits.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Dispatcher{
		bus:          cfg.Bus,
		loop:         cfg.Loop,
		recorder:     cfg.Recorder,
		turnTimeout:  cfg.TurnTimeout,
		drainTimeout: cfg.DrainTimeout,
		sem:          make(chan struct{}, cfg.MaxConcurrent),
		queues:       make(map[string]*sessionQueue),
	}
}

// Run consumes the inbound queue until ctx is cancelled, then waits for
// in-flight turns to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("agent dispatcher started",
		"max_concurrent", cap(d.sem), "turn_timeout", d.turnTimeout)

	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		d.enqueue(ctx, msg)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("agent dispatcher drained")
	case <-time.After(d.drainTimeout):
		slog.Warn("agent dispatcher drain timed out", "timeout", d.drainTimeout)
	}
}

// SessionKeyFor maps an inbound message to its session key. Heartbeat
// and cron messages arrive with their synthetic channel names.
func SessionKeyFor(msg bus.InboundMessage) string {
	if msg.Channel == sessions.HeartbeatKey {
		return sessions.HeartbeatKey
	}
	return sessions.Key(msg.Channel, msg.ChatID)
}

// enqueue appends the message to its key's queue and starts a worker if
// none is running for that key.
func (d *Dispatcher) enqueue(ctx context.Context, msg bus.InboundMessage) {
	key := SessionKeyFor(msg)

	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &sessionQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, msg)
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(ctx, key, q)
	}
	d.mu.Unlock()
}

// drain processes one key's queue sequentially, holding a global
// concurrency slot per turn.
func (d *Dispatcher) drain(ctx context.Context, key string, q *sessionQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			d.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		// Blocking send: queued messages are still processed during
		// shutdown, bounded by the drain timeout in Run.
		d.sem <- struct{}{}
		d.processTurn(ctx, key, msg)
		<-d.sem
	}
}

// processTurn runs one agent turn and publishes the reply.
func (d *Dispatcher) processTurn(ctx context.Context, key string, msg bus.InboundMessage) {
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.turnTimeout)
	defer cancel()

	req := RunRequest{
		SessionKey: key,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Content:    msg.Content,
		Images:     msg.Media,
		RunID:      uuid.NewString(),
	}

	start := time.Now()
	res, err := d.loop.Run(turnCtx, req)
	if err != nil {
		slog.Error("agent turn failed",
			"session", key, "run_id", req.RunID, "error", err)
		if !sessions.IsSynthetic(key) {
			d.bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: "I encountered an error: " + err.Error(),
			})
		}
		return
	}

	slog.Info("agent turn finished",
		"session", key,
		"run_id", req.RunID,
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	d.transcribe(msg, res.Reply)

	if res.Reply == "" {
		return
	}
	channel, chatID := msg.Channel, msg.ChatID
	if sessions.IsSynthetic(key) {
		// Scheduled turns deliver only when the job asked for it.
		channel = msg.Metadata["deliver_channel"]
		chatID = msg.Metadata["deliver_to"]
		if channel == "" || chatID == "" {
			return
		}
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: res.Reply,
	})
}

// transcribe appends the exchange to the channel transcript. The user row
// is skipped when the transport already recorded it.
func (d *Dispatcher) transcribe(msg bus.InboundMessage, reply string) {
	if d.recorder == nil || sessions.IsSynthetic(SessionKeyFor(msg)) {
		return
	}
	if msg.Metadata["transcribed"] != "1" {
		err := d.recorder.Record(msg.Channel, history.Record{
			Timestamp: float64(msg.Timestamp) / 1000,
			Sender:    msg.SenderNick,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			ChatID:    msg.ChatID,
			IsGroup:   msg.IsGroup,
			IDClient:  msg.IDClient,
		})
		if err != nil {
			slog.Warn("transcript append failed", "channel", msg.Channel, "error", err)
		}
	}
	if reply == "" {
		return
	}
	err := d.recorder.Record(msg.Channel, history.Record{
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
		Sender:    "wisp",
		Content:   reply,
		Role:      history.RoleAdmin,
		ChatID:    msg.ChatID,
		IsGroup:   msg.IsGroup,
	})
	if err != nil {
		slog.Warn("transcript append failed", "channel", msg.Channel, "error", err)
	}
}
