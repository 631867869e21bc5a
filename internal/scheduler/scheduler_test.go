package scheduler

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"pacer/internal/budget"
	"pacer/internal/eventbus"
	"pacer/internal/jobstore"
	"pacer/internal/ledger"
	"pacer/internal/quiet"
	"pacer/internal/trigger"
	logx "pacer/pkg/logx"
)

type fixture struct {
	svc   *Service
	store *jobstore.Store
	led   *ledger.Ledger
	now   time.Time
}

// newFixture builds a scheduler with a deterministic resolver and a clock
// pinned to midday, well outside the default blackout window.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.Local)

	led := ledger.New(filepath.Join(dir, "ledger.jsonl"), logx.Nop())
	led.SetClock(func() time.Time { return now.UTC() })

	pol := budget.New(budget.Config{
		DailyTokenCap: 25000,
		StopThreshold: 0.9,
		WarnThreshold: 0.75,
	}, led, logx.Nop())

	resolver := trigger.NewResolver(quiet.Default(), rand.New(rand.NewSource(1)))
	store := jobstore.New(filepath.Join(dir, "jobs.yaml"), logx.Nop())

	svc := New(store, resolver, pol, logx.Nop(), eventbus.New())
	svc.SetClock(func() time.Time { return now })
	return &fixture{svc: svc, store: store, led: led, now: now}
}

func TestIntervalJobRunsAndPersists(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ran := 0
	f.svc.Register("test", func() { ran++ })
	if err := f.svc.AddJob(jobstore.Job{TaskRef: "test", Trigger: trigger.Interval(0)}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.svc.RunPending(f.now)
	if err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusRan {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	job := f.svc.Jobs()[0]
	if job.LastRun == nil || !job.LastRun.Equal(f.now) {
		t.Fatalf("last_run = %v, want %v", job.LastRun, f.now)
	}
	if job.NextRun.Before(f.now) {
		t.Fatalf("next_run %v earlier than the pass time %v", job.NextRun, f.now)
	}

	// A fresh service over the same store sees the persisted job.
	svc2 := New(f.store, trigger.NewResolver(quiet.Default(), rand.New(rand.NewSource(2))), nil, logx.Nop(), nil)
	if got := svc2.Jobs(); len(got) != 1 || got[0].TaskRef != "test" {
		t.Fatalf("reloaded jobs = %+v", got)
	}
}

func TestQuietHoursDeferralDoesNotExecute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ran := false
	f.svc.Register("test", func() { ran = true })
	if err := f.svc.AddJob(jobstore.Job{TaskRef: "test", Trigger: trigger.Interval(0)}); err != nil {
		t.Fatal(err)
	}

	// Run the pass at 03:00, inside the blackout window.
	inQuiet := time.Date(2026, 4, 1, 3, 0, 0, 0, time.Local)
	outcomes, err := f.svc.RunPending(inQuiet)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("handler must not run during quiet hours")
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusDeferredQuiet {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	job := f.svc.Jobs()[0]
	if job.LastRun != nil {
		t.Fatalf("last_run must stay unset on deferral, got %v", job.LastRun)
	}
	if !job.NextRun.After(inQuiet) {
		t.Fatalf("next_run %v not after the pass time %v", job.NextRun, inQuiet)
	}
	if h := job.NextRun.Hour(); h >= 2 && h < 6 {
		t.Fatalf("next_run %v still inside the blackout window", job.NextRun)
	}
}

func TestBudgetDeferralDoesNotExecute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Preload usage over the stop threshold (30000 > 0.9 * 25000).
	if err := f.led.Append("pre", "s", 30000, 0, 0); err != nil {
		t.Fatal(err)
	}

	ran := false
	f.svc.Register("test", func() { ran = true })
	if err := f.svc.AddJob(jobstore.Job{TaskRef: "test", Trigger: trigger.Interval(0)}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.svc.RunPending(f.now)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("handler must not run over budget")
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusDeferredBlock {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	job := f.svc.Jobs()[0]
	if job.LastRun != nil {
		t.Fatal("last_run must stay unset on budget deferral")
	}
	// Deferred to tomorrow's post-blackout morning: at least 12h out.
	if !job.NextRun.After(f.now.Add(12 * time.Hour)) {
		t.Fatalf("next_run %v, want tomorrow morning", job.NextRun)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.svc.Register("boom", func() { panic("kaboom") })
	if err := f.svc.AddJob(jobstore.Job{TaskRef: "boom", Trigger: trigger.Interval(0)}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.svc.RunPending(f.now)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusFailed {
		t.Fatalf("outcomes = %+v, want contained failure", outcomes)
	}
	if outcomes[0].Err == nil {
		t.Fatal("expected captured error")
	}

	// The job still advanced as if it ran.
	job := f.svc.Jobs()[0]
	if job.LastRun == nil {
		t.Fatal("last_run should be set even after a handler failure")
	}
}

func TestMissingHandlerAdvancesJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.svc.AddJob(jobstore.Job{TaskRef: "ghost", Trigger: trigger.Interval(0)}); err != nil {
		t.Fatal(err)
	}
	outcomes, err := f.svc.RunPending(f.now)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusNoHandler {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if f.svc.Jobs()[0].LastRun == nil {
		t.Fatal("job should advance past a missing handler")
	}
}

func TestFutureJobSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ran := false
	f.svc.Register("later", func() { ran = true })
	if err := f.svc.AddJob(jobstore.Job{TaskRef: "later", Trigger: trigger.Interval(3600)}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.svc.RunPending(f.now)
	if err != nil {
		t.Fatal(err)
	}
	if ran || len(outcomes) != 0 {
		t.Fatalf("future job must not run: ran=%v outcomes=%+v", ran, outcomes)
	}
}

func TestReRegisterOverwrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first, second := false, false
	f.svc.Register("test", func() { first = true })
	f.svc.Register("test", func() { second = true })
	if err := f.svc.AddJob(jobstore.Job{TaskRef: "test", Trigger: trigger.Interval(0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RunPending(f.now); err != nil {
		t.Fatal(err)
	}
	if first || !second {
		t.Fatalf("first=%v second=%v, want only the second binding", first, second)
	}
}
