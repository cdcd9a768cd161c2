// Package cron persists scheduled jobs and fires them as synthetic agent
// turns on a one-second tick.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	KindEvery = "every" // fixed interval
	KindCron  = "cron"  // cron expression, minute granularity
	KindAt    = "at"    // one-shot instant
)

// Schedule is a tagged variant over the three job kinds.
type Schedule struct {
	Kind    string `json:"kind"`
	EveryMS int64  `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	AtMS    int64  `json:"at_ms,omitempty"`
}

// Validate checks the schedule is well-formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindEvery:
		if s.EveryMS <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
	case KindAt:
		if s.AtMS <= 0 {
			return fmt.Errorf("at schedule needs an instant")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next computes the next run instant strictly after now, in unix millis.
// Zero means the job never runs again.
func (s Schedule) Next(now time.Time) int64 {
	switch s.Kind {
	case KindEvery:
		// Anchored to now, not to the nominal last run: a process that
		// slept through N intervals fires once, not N times.
		return now.UnixMilli() + s.EveryMS
	case KindCron:
		next, err := gronx.NextTickAfter(s.Expr, now, false)
		if err != nil {
			return 0
		}
		return next.UnixMilli()
	case KindAt:
		if s.AtMS > now.UnixMilli() {
			return s.AtMS
		}
		return 0
	}
	return 0
}

// Describe renders the schedule for job listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindEvery:
		return "every " + (time.Duration(s.EveryMS) * time.Millisecond).String()
	case KindCron:
		return "cron " + s.Expr
	case KindAt:
		return "at " + time.UnixMilli(s.AtMS).Format("2006-01-02 15:04")
	}
	return s.Kind
}

// Payload is what a firing job injects into the agent.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"` // also publish the reply outbound
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// JobState is the mutable firing bookkeeping.
type JobState struct {
	LastRunAtMS int64 `json:"last_run_at_ms,omitempty"`
	NextRunAtMS int64 `json:"next_run_at_ms,omitempty"`
	RunCount    int   `json:"run_count,omitempty"`
}

// Job is one persisted cron record.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}
