package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logx "pacer/pkg/logx"
)

// TaskRefNightlySummary is the built-in handler appending a daily run and
// budget summary to the project log. Schedule it from the jobs file with
// task_ref: nightly_summary.
const TaskRefNightlySummary = "nightly_summary"

const summaryLogPath = "docs/PROJECT_LOG.md"

// nightlySummary appends a timestamped summary of today's budget position
// and recent run outcomes. Write failures are ignored; the summary is
// best-effort and must never fail the pass that runs it.
func (a *App) nightlySummary() {
	snap, err := a.pol.Snapshot()
	if err != nil {
		a.log.Warn("summary: budget snapshot unavailable", logx.Err(err))
	}

	ran, parked := 0, 0
	if a.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		recs, rerr := a.hist.Recent(ctx, 200)
		cancel()
		if rerr == nil {
			cutoff := time.Now().Add(-24 * time.Hour)
			for _, r := range recs {
				if r.At.Before(cutoff) {
					continue
				}
				if r.Outcome == "parked" {
					parked++
				} else {
					ran++
				}
			}
		}
	}

	entry := fmt.Sprintf(
		"\n### Nightly Summary %s\n\n"+
			"Runs in the last day: %d executed, %d parked. "+
			"Budget: %d/%d tokens (%.1f%%), $%.4f.\n",
		time.Now().Format("2006-01-02T15:04:05"),
		ran, parked,
		snap.Totals.Tokens(), snap.Cap, snap.UsedRatio*100, snap.Totals.USD,
	)

	if err := os.MkdirAll(filepath.Dir(summaryLogPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(summaryLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(entry)
	_ = f.Close()
}
