// Package scheduler runs the execution pass over due jobs.
//
// The service owns the in-memory job collection and is the only writer to
// the job store. It owns no timer; an external caller invokes RunPending on
// some cadence (internal/app drives it from a cron tick).
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"pacer/internal/budget"
	"pacer/internal/eventbus"
	"pacer/internal/jobstore"
	"pacer/internal/trigger"
	logx "pacer/pkg/logx"
)

// Handler is a registered job function. Zero arguments, zero returns;
// anything it panics with is contained by the pass.
type Handler func()

// Status classifies one job-execution attempt.
type Status string

const (
	StatusRan           Status = "ran"
	StatusFailed        Status = "failed"
	StatusNoHandler     Status = "no_handler"
	StatusDeferredQuiet Status = "deferred_quiet"
	StatusDeferredBlock Status = "deferred_budget"
)

// Outcome is the captured result of one attempt. Handler failures live
// here instead of propagating; the pass must never abort because a job's
// handler failed.
type Outcome struct {
	TaskRef string
	Status  Status
	Err     error
	NextRun time.Time
}

// Service orchestrates the job store, trigger resolver and budget policy.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	store    *jobstore.Store
	resolver *trigger.Resolver
	budget   *budget.Policy

	mu       sync.Mutex
	jobs     []jobstore.Job
	handlers map[string]Handler
	now      func() time.Time
}

// New loads the job collection from the store and initializes next-run
// timestamps for records that never had one.
func New(store *jobstore.Store, resolver *trigger.Resolver, pol *budget.Policy, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		resolver: resolver,
		budget:   pol,
		handlers: map[string]Handler{},
		now:      time.Now,
	}
	s.jobs = store.Load()
	now := s.now()
	for i := range s.jobs {
		if s.jobs[i].NextRun.IsZero() {
			s.jobs[i].NextRun = resolver.NextRun(s.jobs[i].Trigger, now)
		}
	}
	s.log.Info("jobs loaded", logx.Int("count", len(s.jobs)), logx.String("path", store.Path()))
	return s
}

// SetClock overrides the timestamp source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Register binds a handler to a task_ref. Re-registering overwrites.
func (s *Service) Register(taskRef string, fn Handler) {
	s.mu.Lock()
	s.handlers[taskRef] = fn
	s.mu.Unlock()
}

// AddJob computes the job's initial next run, appends it to the collection
// and persists the whole store. The persist error propagates.
func (s *Service) AddJob(job jobstore.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.NextRun = s.resolver.NextRun(job.Trigger, s.now())
	s.jobs = append(s.jobs, job)
	if err := s.store.Save(s.jobs); err != nil {
		return fmt.Errorf("persist jobs: %w", err)
	}
	s.log.Info("job added", logx.String("task_ref", job.TaskRef), logx.Time("next_run", job.NextRun))
	return nil
}

// Jobs returns a snapshot copy of the collection.
func (s *Service) Jobs() []jobstore.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jobstore.Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// RunPending executes every job whose next run is at or before now.
//
// Per due job: a quiet-hours deferral reschedules to end-of-blackout, a
// budget refusal reschedules to tomorrow's post-blackout instant; neither
// invokes the handler or touches last_run. Otherwise the handler runs with
// failures contained, last_run is set, and the next run is recomputed from
// the job's own recurrence. After the full pass the whole collection is
// persisted; only that save error is returned.
func (s *Service) RunPending(now time.Time) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outcomes []Outcome
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.NextRun.IsZero() && job.NextRun.After(now) {
			continue
		}

		if s.resolver.Window().In(now) {
			job.NextRun = s.resolver.Deferral(now)
			oc := Outcome{TaskRef: job.TaskRef, Status: StatusDeferredQuiet, NextRun: job.NextRun}
			outcomes = append(outcomes, oc)
			s.publish(eventbus.TypeJobDeferQuiet, oc)
			s.log.Debug("quiet hours, job deferred",
				logx.String("task_ref", job.TaskRef), logx.Time("next_run", job.NextRun))
			continue
		}

		if d := s.budget.Admit(0); !d.Allowed() {
			job.NextRun = s.resolver.DeferralNextDay(now)
			oc := Outcome{TaskRef: job.TaskRef, Status: StatusDeferredBlock, NextRun: job.NextRun}
			outcomes = append(outcomes, oc)
			s.publish(eventbus.TypeJobDeferBudget, oc)
			s.log.Info("budget refused, job deferred to tomorrow",
				logx.String("task_ref", job.TaskRef),
				logx.Float64("used_ratio", d.UsedRatio),
				logx.Time("next_run", job.NextRun))
			continue
		}

		oc := s.executeLocked(job, now)
		outcomes = append(outcomes, oc)
		s.publish(eventbus.TypeJobRun, oc)
	}

	if err := s.store.Save(s.jobs); err != nil {
		// Losing schedule state silently is a correctness hazard; surface it.
		return outcomes, fmt.Errorf("persist jobs: %w", err)
	}
	return outcomes, nil
}

// executeLocked invokes the registered handler and advances the job's
// schedule state. The job advances even when the handler fails or is
// missing, exactly as if it had run.
func (s *Service) executeLocked(job *jobstore.Job, now time.Time) Outcome {
	oc := Outcome{TaskRef: job.TaskRef, Status: StatusRan}

	fn, ok := s.handlers[job.TaskRef]
	if !ok {
		oc.Status = StatusNoHandler
		s.log.Warn("no handler registered", logx.String("task_ref", job.TaskRef))
	} else {
		if err := invoke(fn); err != nil {
			oc.Status = StatusFailed
			oc.Err = err
			s.log.Error("job handler failed", logx.String("task_ref", job.TaskRef), logx.Err(err))
		} else {
			s.log.Info("job ran", logx.String("task_ref", job.TaskRef))
		}
	}

	t := now
	job.LastRun = &t
	job.NextRun = s.resolver.NextRun(job.Trigger, now)
	oc.NextRun = job.NextRun
	return oc
}

// invoke contains any panic from a handler as an error value.
func invoke(fn Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	fn()
	return nil
}

func (s *Service) publish(typ string, oc Outcome) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: oc})
}
