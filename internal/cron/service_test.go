package cron

import (
	"context"
	"testing"
	"time"

	"github.com/openweaver/wisp/internal/bus"
)

func newTestService(t *testing.T) (*Service, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.New()
	return NewService(newTestStore(t), msgBus), msgBus
}

func drainInbound(t *testing.T, msgBus *bus.MessageBus) []bus.InboundMessage {
	t.Helper()
	var msgs []bus.InboundMessage
	for msgBus.InboundLen() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		msg, ok := msgBus.ConsumeInbound(ctx)
		cancel()
		if !ok {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// A fresh every-job is scheduled on its first tick and fires one interval
// later, publishing a synthetic turn with delivery metadata.
func TestEveryJobFiresWithDelivery(t *testing.T) {
	svc, msgBus := newTestService(t)
	job, err := svc.Store().Add(Job{
		Name:     "status",
		Schedule: Schedule{Kind: KindEvery, EveryMS: 60_000},
		Payload:  Payload{Message: "status?", Deliver: true, To: "42", Channel: "telegram"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	svc.Tick(now) // schedules, does not fire
	if got := len(drainInbound(t, msgBus)); got != 0 {
		t.Fatalf("fired %d turns before due, want 0", got)
	}

	svc.Tick(now.Add(61 * time.Second))
	msgs := drainInbound(t, msgBus)
	if len(msgs) != 1 {
		t.Fatalf("fired %d turns, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Channel != "cron" || msg.ChatID != job.ID {
		t.Fatalf("synthetic turn addressed %s:%s, want cron:%s", msg.Channel, msg.ChatID, job.ID)
	}
	if msg.Content != "status?" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.Metadata["deliver_channel"] != "telegram" || msg.Metadata["deliver_to"] != "42" {
		t.Fatalf("delivery metadata = %v", msg.Metadata)
	}
}

// next_run strictly advances after every firing.
func TestNextRunMonotonic(t *testing.T) {
	svc, msgBus := newTestService(t)
	job, err := svc.Store().Add(everyJob("m", 10_000))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	svc.Tick(now)
	prev, _ := svc.Store().Get(job.ID)

	for i := 0; i < 5; i++ {
		now = now.Add(11 * time.Second)
		svc.Tick(now)
		cur, _ := svc.Store().Get(job.ID)
		if cur.State.NextRunAtMS <= prev.State.NextRunAtMS {
			t.Fatalf("next_run %d -> %d did not advance", prev.State.NextRunAtMS, cur.State.NextRunAtMS)
		}
		prev = cur
	}
	if got := len(drainInbound(t, msgBus)); got != 5 {
		t.Fatalf("fired %d times, want 5", got)
	}
}

// A long process sleep produces one catch-up firing, not a storm.
func TestEveryJobClampsAfterSleep(t *testing.T) {
	svc, msgBus := newTestService(t)
	if _, err := svc.Store().Add(everyJob("m", 10_000)); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	svc.Tick(now)
	svc.Tick(now.Add(10 * time.Minute)) // slept through ~60 intervals
	if got := len(drainInbound(t, msgBus)); got != 1 {
		t.Fatalf("fired %d times after sleep, want 1", got)
	}
}

func TestAtJobFiresOnceAndDisables(t *testing.T) {
	svc, msgBus := newTestService(t)
	now := time.Now()
	job, err := svc.Store().Add(Job{
		Name:     "once",
		Schedule: Schedule{Kind: KindAt, AtMS: now.Add(5 * time.Second).UnixMilli()},
		Payload:  Payload{Message: "go"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.Tick(now)
	svc.Tick(now.Add(6 * time.Second))
	svc.Tick(now.Add(7 * time.Second))

	if got := len(drainInbound(t, msgBus)); got != 1 {
		t.Fatalf("one-shot fired %d times, want 1", got)
	}
	got, _ := svc.Store().Get(job.ID)
	if got.Enabled {
		t.Fatal("one-shot still enabled after firing")
	}
}

// An at-job whose instant passed while the process was down fires once on
// the first tick.
func TestOverdueAtJobFiresOnStartup(t *testing.T) {
	svc, msgBus := newTestService(t)
	now := time.Now()
	if _, err := svc.Store().Add(Job{
		Name:     "missed",
		Schedule: Schedule{Kind: KindAt, AtMS: now.Add(-time.Hour).UnixMilli()},
		Payload:  Payload{Message: "late"},
		Enabled:  true,
	}); err != nil {
		t.Fatal(err)
	}

	svc.Tick(now)
	svc.Tick(now.Add(time.Second))
	if got := len(drainInbound(t, msgBus)); got != 1 {
		t.Fatalf("overdue one-shot fired %d times, want 1", got)
	}
}

func TestCronExprSchedulesNextMinute(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Store().Add(Job{
		Name:     "minutely",
		Schedule: Schedule{Kind: KindCron, Expr: "* * * * *"},
		Payload:  Payload{Message: "tick"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	svc.Tick(now)
	got, _ := svc.Store().Get(job.ID)
	next := time.UnixMilli(got.State.NextRunAtMS)
	if !next.After(now) || next.Sub(now) > time.Minute {
		t.Fatalf("next_run %v not within the next minute of %v", next, now)
	}
	if next.Second() != 0 {
		t.Fatalf("cron next_run not minute-aligned: %v", next)
	}
}

func TestRunNowKeepsSchedule(t *testing.T) {
	svc, msgBus := newTestService(t)
	job, err := svc.Store().Add(everyJob("m", 60_000))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	svc.Tick(now)
	before, _ := svc.Store().Get(job.ID)

	if err := svc.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := len(drainInbound(t, msgBus)); got != 1 {
		t.Fatalf("RunNow fired %d turns, want 1", got)
	}
	after, _ := svc.Store().Get(job.ID)
	if after.State.NextRunAtMS != before.State.NextRunAtMS {
		t.Fatal("RunNow changed the schedule")
	}
	if after.State.RunCount != before.State.RunCount+1 {
		t.Fatalf("run_count = %d, want %d", after.State.RunCount, before.State.RunCount+1)
	}

	if err := svc.RunNow("nope"); err == nil {
		t.Fatal("RunNow on unknown id succeeded")
	}
}
