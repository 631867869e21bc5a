package dispatch

import (
	"path/filepath"
	"testing"
	"time"

	"pacer/internal/budget"
	"pacer/internal/ledger"
	logx "pacer/pkg/logx"
)

func newQueue(t *testing.T) (*Queue, *ledger.Ledger) {
	t.Helper()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	led := ledger.New(filepath.Join(t.TempDir(), "ledger.jsonl"), logx.Nop())
	led.SetClock(func() time.Time { return now })

	pol := budget.New(budget.Config{
		DailyTokenCap: 25000,
		StopThreshold: 0.9,
		WarnThreshold: 0.75,
	}, led, logx.Nop())

	q := New(pol, led, logx.Nop(), nil)
	q.SetClock(func() time.Time { return now })
	return q, led
}

func TestFIFOOrderAndAssignedIDs(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)

	a := q.Enqueue(Unit{TaskID: "t", StepID: "a", Category: "files"})
	b := q.Enqueue(Unit{TaskID: "t", StepID: "b", Category: "files"})
	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Fatalf("enqueue must assign distinct ids, got %q and %q", a.ID, b.ID)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}

	for _, want := range []string{"a", "b"} {
		u, err := q.DequeueForExecution()
		if err != nil {
			t.Fatal(err)
		}
		if u == nil || u.StepID != want {
			t.Fatalf("dequeued %+v, want step %q", u, want)
		}
	}
	if u, err := q.DequeueForExecution(); err != nil || u != nil {
		t.Fatalf("empty queue should yield (nil, nil), got (%+v, %v)", u, err)
	}
}

func TestExplicitIDKept(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	u := q.Enqueue(Unit{ID: "fixed", TaskID: "t", StepID: "s", Category: "files"})
	if u.ID != "fixed" {
		t.Fatalf("id = %q, want the caller's id", u.ID)
	}
}

func TestOverBudgetHeadParked(t *testing.T) {
	t.Parallel()
	q, led := newQueue(t)

	// 23000 used + 300 estimated = 23300 >= 22500 stop line.
	if err := led.Append("pre", "s", 23000, 0, 0); err != nil {
		t.Fatal(err)
	}

	q.Enqueue(Unit{TaskID: "t", StepID: "s", Category: "web"})
	u, err := q.DequeueForExecution()
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Fatalf("refused unit must not be handed out, got %+v", u)
	}

	parked := q.ListParked()
	if len(parked) != 1 {
		t.Fatalf("parked = %d entries, want 1", len(parked))
	}
	if parked[0].Reason != budget.ReasonBudget {
		t.Fatalf("reason = %q, want %q", parked[0].Reason, budget.ReasonBudget)
	}
	if parked[0].RetryHint != RetryHintNextCycle {
		t.Fatalf("retry_hint = %q, want %q", parked[0].RetryHint, RetryHintNextCycle)
	}
	// The parked unit does not return to the queue head.
	if q.Len() != 0 {
		t.Fatalf("len = %d after parking, want 0", q.Len())
	}
}

func TestRecordCompletionBooksEstimate(t *testing.T) {
	t.Parallel()
	q, led := newQueue(t)

	u := q.Enqueue(Unit{TaskID: "t1", StepID: "s1", Category: "desktop"})
	if _, err := q.DequeueForExecution(); err != nil {
		t.Fatal(err)
	}
	if err := q.RecordCompletion(u, OutcomeOK); err != nil {
		t.Fatal(err)
	}

	tot, err := led.TotalsToday()
	if err != nil {
		t.Fatal(err)
	}
	if tot.InTokens != 250 || tot.OutTokens != 0 {
		t.Fatalf("totals = %+v, want the 250-token desktop estimate booked as input", tot)
	}

	done := q.ListCompleted()
	if len(done) != 1 || done[0].Outcome != OutcomeOK || done[0].EstimatedTokens != 250 {
		t.Fatalf("completed = %+v", done)
	}
}

func TestBlockedOutcomeFiledAsParked(t *testing.T) {
	t.Parallel()
	q, led := newQueue(t)

	u := q.Enqueue(Unit{TaskID: "t", StepID: "s", Category: "secrets"})
	if _, err := q.DequeueForExecution(); err != nil {
		t.Fatal(err)
	}
	if err := q.RecordCompletion(u, OutcomeBlocked); err != nil {
		t.Fatal(err)
	}

	if got := q.ListCompleted(); len(got) != 0 {
		t.Fatalf("blocked run must not land in completed, got %+v", got)
	}
	parked := q.ListParked()
	if len(parked) != 1 || parked[0].Reason != OutcomeBlocked {
		t.Fatalf("parked = %+v", parked)
	}

	// Even a blocked run books its estimate.
	tot, err := led.TotalsToday()
	if err != nil {
		t.Fatal(err)
	}
	if tot.InTokens != 50 {
		t.Fatalf("in_tokens = %d, want the 50-token secrets estimate", tot.InTokens)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	cases := []struct {
		category string
		want     int
	}{
		{"web", 300},
		{"desktop", 250},
		{"files", 100},
		{"ocr", 200},
		{"secrets", 50},
		{"schedule", 50},
		{"budget", 50},
		{"finance", 400},
		{"docs", 150},
		{"telepathy", DefaultEstimateTokens},
		{"", DefaultEstimateTokens},
	}
	for _, tc := range cases {
		if got := EstimateTokens(Unit{Category: tc.category}); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.category, got, tc.want)
		}
	}
}

func TestDownscope(t *testing.T) {
	t.Parallel()
	units := []Unit{
		{StepID: "a", Category: "finance"}, // 400
		{StepID: "b", Category: "web"},     // 300
		{StepID: "c", Category: "files"},   // 100
	}

	if total := EstimateUnits(units); total != 800 {
		t.Fatalf("EstimateUnits = %d, want 800", total)
	}

	got := Downscope(units, 700)
	if len(got) != 2 || got[0].StepID != "a" || got[1].StepID != "b" {
		t.Fatalf("Downscope(700) = %+v, want the first two units", got)
	}

	// The cut never empties the plan.
	got = Downscope(units, 10)
	if len(got) != 1 || got[0].StepID != "a" {
		t.Fatalf("Downscope(10) = %+v, want the head kept", got)
	}

	if got := Downscope(nil, 100); len(got) != 0 {
		t.Fatalf("Downscope(nil) = %+v, want empty", got)
	}

	if got := Downscope(units, 800); len(got) != 3 {
		t.Fatalf("Downscope(800) = %+v, want all units", got)
	}
}

func TestBudgetSnapshot(t *testing.T) {
	t.Parallel()
	q, led := newQueue(t)
	if err := led.Append("t", "s", 4000, 1000, 0); err != nil {
		t.Fatal(err)
	}
	snap, err := q.BudgetSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Cap != 25000 || snap.UsedRatio != 0.2 {
		t.Fatalf("snapshot = %+v, want 5000/25000", snap)
	}
}
