// Package dispatch is the FIFO of pending units of work fed to a remote
// executor, fronted by the budget admission gate.
//
// Units refused at the gate are parked with a machine-readable reason and a
// retry hint instead of being dispatched; they are not returned to the
// queue head. Cost accounting is estimate-only: completions book the
// pre-execution estimate, never a measured figure.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pacer/internal/budget"
	"pacer/internal/eventbus"
	"pacer/internal/ledger"
	logx "pacer/pkg/logx"
)

// Unit is one pending unit of work.
type Unit struct {
	ID       string         `json:"id"`
	TaskID   string         `json:"task_id"`
	StepID   string         `json:"step_id"`
	Category string         `json:"category"`
	Intent   string         `json:"intent,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// Completion outcomes reported by the executor.
const (
	OutcomeOK      = "ok"
	OutcomeRetry   = "retry"
	OutcomeBlocked = "blocked"
	OutcomeParked  = "parked"
	OutcomeFailed  = "failed"
)

// RetryHintNextCycle is attached to budget-parked units.
const RetryHintNextCycle = "next cycle"

// ParkedItem is a unit that could not proceed, with enough context to
// resubmit or wait without operator intervention.
type ParkedItem struct {
	Unit      Unit      `json:"unit"`
	Reason    string    `json:"reason"`
	RetryHint string    `json:"retry_hint,omitempty"`
	At        time.Time `json:"at"`
}

// CompletedRun is a dispatched unit with its reported outcome.
type CompletedRun struct {
	Unit            Unit      `json:"unit"`
	Outcome         string    `json:"outcome"`
	EstimatedTokens int       `json:"estimated_tokens"`
	At              time.Time `json:"at"`
}

// Queue is the admission-gated dispatch queue.
//
// Single mutex discipline: the transport loop calls DequeueForExecution and
// RecordCompletion per request cycle, while collaborators may Enqueue
// concurrently.
type Queue struct {
	log logx.Logger
	bus eventbus.Bus

	budget *budget.Policy
	ledger *ledger.Ledger

	mu        sync.Mutex
	pending   []Unit
	parked    []ParkedItem
	completed []CompletedRun
	now       func() time.Time
}

func New(pol *budget.Policy, led *ledger.Ledger, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:    log,
		bus:    bus,
		budget: pol,
		ledger: led,
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue appends a unit at the tail. A missing ID gets a fresh uuid.
func (q *Queue) Enqueue(u Unit) Unit {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	q.mu.Lock()
	q.pending = append(q.pending, u)
	n := len(q.pending)
	q.mu.Unlock()

	q.log.Debug("unit enqueued",
		logx.String("id", u.ID), logx.String("category", u.Category), logx.Int("queue_len", n))
	return u
}

// Len reports the number of pending units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DequeueForExecution pops the head, estimates its cost, and consults the
// budget policy. (nil, nil) means nothing to dispatch right now: either the
// queue is empty, or the head was refused and parked with reason "budget".
func (q *Queue) DequeueForExecution() (*Unit, error) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	u := q.pending[0]
	q.pending = q.pending[1:]
	now := q.now()
	q.mu.Unlock()

	est := EstimateTokens(u)
	if d := q.budget.Admit(est); !d.Allowed() {
		item := ParkedItem{Unit: u, Reason: d.Reason(), RetryHint: RetryHintNextCycle, At: now}
		q.mu.Lock()
		q.parked = append(q.parked, item)
		q.mu.Unlock()

		q.publish(eventbus.TypeUnitParked, item)
		q.log.Info("unit parked at admission gate",
			logx.String("id", u.ID),
			logx.String("reason", d.Reason()),
			logx.Int("estimated_tokens", est),
			logx.Float64("used_ratio", d.UsedRatio))
		return nil, nil
	}

	q.publish(eventbus.TypeUnitDispatched, u)
	q.log.Debug("unit handed out for dispatch",
		logx.String("id", u.ID), logx.Int("estimated_tokens", est))
	return &u, nil
}

// RecordCompletion books the unit's estimated cost into the ledger and
// files the result: blocked/parked outcomes go to the parked collection
// (distinct from budget-parking), everything else to completed runs.
//
// The booked figure is the pre-execution estimate; this system has no
// ground-truth post-hoc accounting and no estimate-vs-actual reconciliation.
func (q *Queue) RecordCompletion(u Unit, outcome string) error {
	est := EstimateTokens(u)
	if err := q.ledger.Append(u.TaskID, u.StepID, est, 0, 0); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}

	q.mu.Lock()
	now := q.now()
	var filed any
	switch outcome {
	case OutcomeBlocked, OutcomeParked:
		item := ParkedItem{Unit: u, Reason: outcome, At: now}
		q.parked = append(q.parked, item)
		filed = item
	default:
		run := CompletedRun{Unit: u, Outcome: outcome, EstimatedTokens: est, At: now}
		q.completed = append(q.completed, run)
		filed = run
	}
	q.mu.Unlock()

	q.publish(eventbus.TypeUnitCompleted, filed)
	q.log.Info("completion recorded",
		logx.String("id", u.ID), logx.String("outcome", outcome), logx.Int("estimated_tokens", est))
	return nil
}

// ListParked returns a snapshot of the parked collection.
func (q *Queue) ListParked() []ParkedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ParkedItem, len(q.parked))
	copy(out, q.parked)
	return out
}

// ListCompleted returns a snapshot of the completed-runs collection.
func (q *Queue) ListCompleted() []CompletedRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]CompletedRun, len(q.completed))
	copy(out, q.completed)
	return out
}

// BudgetSnapshot reports today's totals against the cap.
func (q *Queue) BudgetSnapshot() (budget.Snapshot, error) {
	return q.budget.Snapshot()
}

func (q *Queue) publish(typ string, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
