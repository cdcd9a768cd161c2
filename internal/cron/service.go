package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/openweaver/wisp/internal/bus"
)

const tickInterval = time.Second

// Service owns the tick loop: due jobs fire exactly once, then their
// next_run is recomputed and persisted before the synthetic turn is
// published.
type Service struct {
	store *Store
	bus   *bus.MessageBus
	now   func() time.Time
}

// NewService creates a Service over a store and the message bus.
func NewService(store *Store, msgBus *bus.MessageBus) *Service {
	return &Service{store: store, bus: msgBus, now: time.Now}
}

// Store exposes the underlying job store for CLI mutations.
func (s *Service) Store() *Store { return s.store }

// Run drives the one-second tick until ctx is cancelled. Jobs that came
// due while the process was down fire once on the first tick.
func (s *Service) Run(ctx context.Context) {
	jobs, err := s.store.Load()
	if err != nil {
		slog.Error("cron store unreadable, scheduler idle", "error", err)
		return
	}
	slog.Info("cron scheduler started", "jobs", len(jobs))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cron scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick fires every enabled job whose next_run has passed. State is
// persisted before the inbound messages are published, so a crash between
// the two drops the turn rather than replaying it.
func (s *Service) Tick(now time.Time) {
	var fired []Job
	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			j := &jobs[i]
			if !j.Enabled {
				continue
			}
			if j.State.NextRunAtMS == 0 {
				// Newly added or re-enabled: schedule, don't fire. An
				// already-past one-shot fires immediately instead.
				if j.Schedule.Kind == KindAt && j.Schedule.AtMS <= now.UnixMilli() {
					j.State.NextRunAtMS = now.UnixMilli()
				} else {
					j.State.NextRunAtMS = j.Schedule.Next(now)
					if j.State.NextRunAtMS == 0 {
						j.Enabled = false
					}
					continue
				}
			}
			if j.State.NextRunAtMS > now.UnixMilli() {
				continue
			}

			j.State.LastRunAtMS = now.UnixMilli()
			j.State.RunCount++
			j.State.NextRunAtMS = j.Schedule.Next(now)
			if j.Schedule.Kind == KindAt || j.State.NextRunAtMS == 0 {
				j.Enabled = false
				j.State.NextRunAtMS = 0
			}
			fired = append(fired, *j)
		}
		return jobs, nil
	})
	if err != nil {
		slog.Error("cron tick failed", "error", err)
		return
	}

	for _, j := range fired {
		s.publish(j, now)
	}
}

// RunNow fires a job immediately, leaving its schedule untouched.
func (s *Service) RunNow(id string) error {
	now := s.now()
	var fired Job
	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				jobs[i].State.LastRunAtMS = now.UnixMilli()
				jobs[i].State.RunCount++
				fired = jobs[i]
				return jobs, nil
			}
		}
		return nil, errJobNotFound(id)
	})
	if err != nil {
		return err
	}
	s.publish(fired, now)
	return nil
}

func (s *Service) publish(j Job, now time.Time) {
	slog.Info("cron job fired", "id", j.ID, "name", j.Name, "run_count", j.State.RunCount)
	msg := bus.InboundMessage{
		Channel:   "cron",
		ChatID:    j.ID,
		SenderID:  "cron",
		Content:   j.Payload.Message,
		Timestamp: now.UnixMilli(),
	}
	if j.Payload.Deliver && j.Payload.Channel != "" && j.Payload.To != "" {
		msg.Metadata = map[string]string{
			"deliver_channel": j.Payload.Channel,
			"deliver_to":      j.Payload.To,
		}
	}
	s.bus.PublishInbound(msg)
}
