package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the run history archive.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one archived scheduler or dispatch outcome.
// Keep it compact and schema-stable.
type RunRecord struct {
	At              time.Time `json:"at"`
	Kind            string    `json:"kind"` // "job" | "unit"
	Ref             string    `json:"ref"`  // task_ref or unit id
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	EstimatedTokens int       `json:"estimated_tokens,omitempty"`
	Error           string    `json:"error,omitempty"`
}
