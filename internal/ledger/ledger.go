// Package ledger records resource consumption as an append-only JSONL file.
//
// The ledger is the sole source of truth for "how much has been consumed
// today". Entries are never rewritten or truncated; totals are recomputed
// from the full file on every query. "Today" means the current UTC calendar
// date compared against each entry's UTC timestamp.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pacer/pkg/logx"
)

// Entry is one immutable consumption record.
type Entry struct {
	TaskID    string  `json:"task_id"`
	StepID    string  `json:"step_id"`
	InTokens  int     `json:"in_tokens"`
	OutTokens int     `json:"out_tokens"`
	USD       float64 `json:"usd"`
	TS        string  `json:"ts"` // ISO-8601, UTC
}

// Totals aggregates today's entries field-wise.
type Totals struct {
	InTokens  int
	OutTokens int
	USD       float64
}

// Tokens returns the combined in+out token count.
func (t Totals) Tokens() int { return t.InTokens + t.OutTokens }

// Ledger appends usage entries and aggregates the current UTC day.
//
// Append holds a mutex for the duration of its single write, so concurrent
// producers interleave whole lines and never corrupt the file. Reads open
// the file independently and may observe momentarily stale totals; that is
// acceptable within one process.
type Ledger struct {
	path string
	log  logx.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New creates a ledger writing to path. The parent directory is created on
// first append, not here, so a read-only consumer can point at a missing file.
func New(path string, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{path: path, log: log, now: time.Now}
}

// SetClock overrides the timestamp source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Append writes one entry with a now() UTC timestamp.
//
// The write is a single buffered line flushed under the mutex; it never
// rewrites prior content.
func (l *Ledger) Append(taskID, stepID string, inTokens, outTokens int, usd float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		TaskID:    taskID,
		StepID:    stepID,
		InTokens:  inTokens,
		OutTokens: outTokens,
		USD:       usd,
		TS:        l.now().UTC().Format(time.RFC3339Nano),
	}

	if dir := filepath.Dir(l.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(e); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// TotalsToday scans the full file and sums entries whose timestamp falls on
// the current UTC date. Malformed lines and unparseable timestamps are
// skipped; one bad line never loses the rest of the day's totals. A missing
// file yields zero totals.
func (l *Ledger) TotalsToday() (Totals, error) {
	l.mu.Lock()
	now := l.now()
	l.mu.Unlock()

	var totals Totals
	today := now.UTC().Truncate(24 * time.Hour)

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return totals, nil
		}
		return totals, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			skipped++
			continue
		}
		ts, err := parseTS(e.TS)
		if err != nil {
			skipped++
			continue
		}
		if !ts.UTC().Truncate(24 * time.Hour).Equal(today) {
			continue
		}
		totals.InTokens += e.InTokens
		totals.OutTokens += e.OutTokens
		totals.USD += e.USD
	}
	if skipped > 0 {
		l.log.Debug("skipped malformed ledger lines", logx.Int("count", skipped))
	}
	if err := sc.Err(); err != nil {
		return totals, err
	}
	return totals, nil
}

func parseTS(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
