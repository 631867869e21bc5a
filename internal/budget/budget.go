// Package budget classifies attempted resource consumption against the
// daily cap. Refusal is a normal policy outcome, not an error.
package budget

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"pacer/internal/ledger"
	logx "pacer/pkg/logx"
)

// ReasonBudget is the machine-readable refusal reason.
const ReasonBudget = "budget"

// Decision is the tagged outcome of an admission check.
type Decision struct {
	allowed   bool
	reason    string
	UsedRatio float64
}

func (d Decision) Allowed() bool  { return d.allowed }
func (d Decision) Reason() string { return d.reason }

// Snapshot is the observability view of today's budget position.
type Snapshot struct {
	Totals    ledger.Totals
	Cap       int
	UsedRatio float64
}

// Config holds the budget knobs. StopThreshold blocks; WarnThreshold is
// advisory only and never blocks admission.
type Config struct {
	DailyTokenCap int
	StopThreshold float64
	WarnThreshold float64
}

// Policy decides whether projected consumption fits under the daily cap.
//
// The check is deliberately conservative: it projects current usage plus the
// about-to-be-consumed estimate, so a single oversized unit of work cannot
// blow through the cap in one step.
type Policy struct {
	ledger *ledger.Ledger
	log    logx.Logger

	mu  sync.Mutex
	cfg Config

	// Crossing the warn threshold logs at most once per interval; budget
	// pressure tends to produce bursts of identical warnings.
	warnLimit *rate.Limiter
}

// New creates a budget policy over the given ledger.
func New(cfg Config, led *ledger.Ledger, log logx.Logger) *Policy {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Policy{
		ledger:    led,
		log:       log,
		cfg:       cfg,
		warnLimit: rate.NewLimiter(rate.Limit(1.0/60), 1),
	}
}

// Apply swaps the budget knobs (config hot reload).
func (p *Policy) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Admit classifies a projected consumption of estimatedTokens.
//
// usedRatio = (today's in+out tokens + estimatedTokens) / cap. Refused with
// reason "budget" when usedRatio >= StopThreshold. A ledger read failure is
// treated as zero usage rather than refusing work on a broken read.
func (p *Policy) Admit(estimatedTokens int) Decision {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	totals, err := p.ledger.TotalsToday()
	if err != nil {
		p.log.Warn("ledger totals unavailable, assuming zero usage", logx.Err(err))
		totals = ledger.Totals{}
	}

	used := float64(totals.Tokens()+estimatedTokens) / float64(cfg.DailyTokenCap)

	if used >= cfg.StopThreshold {
		return Decision{allowed: false, reason: ReasonBudget, UsedRatio: used}
	}
	if cfg.WarnThreshold > 0 && used >= cfg.WarnThreshold && p.warnLimit.Allow() {
		p.log.Warn("budget warn threshold crossed",
			logx.Float64("used_ratio", used),
			logx.Float64("warn", cfg.WarnThreshold),
			logx.Float64("stop", cfg.StopThreshold),
			logx.Int("cap", cfg.DailyTokenCap))
	}
	return Decision{allowed: true, UsedRatio: used}
}

// Snapshot reports today's totals against the cap.
func (p *Policy) Snapshot() (Snapshot, error) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	totals, err := p.ledger.TotalsToday()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger totals: %w", err)
	}
	return Snapshot{
		Totals:    totals,
		Cap:       cfg.DailyTokenCap,
		UsedRatio: float64(totals.Tokens()) / float64(cfg.DailyTokenCap),
	}, nil
}
