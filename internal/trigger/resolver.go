// Package trigger computes the next eligible run time for a recurrence spec.
//
// Resolution is pure apart from the jitter draw: interval or minute/hour
// matching produces a candidate, a positive random jitter is added, and the
// result is folded out of the configured blackout window if it landed inside.
package trigger

import (
	"math/rand"
	"sync"
	"time"

	"pacer/internal/quiet"
)

// Jitter bounds in seconds, inclusive. Jitter is strictly additive so a
// computed next run is never earlier than its pre-jitter candidate.
const (
	JitterMinSeconds = 120
	JitterMaxSeconds = 300
)

// Resolver computes next-run timestamps for recurrence specs.
//
// The fold step assumes the gap between the blackout window's end and its
// next start exceeds the jitter ceiling (5 minutes); config validation
// guarantees that for whole-hour windows, it is not re-checked here.
type Resolver struct {
	quiet quiet.Window

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewResolver creates a resolver folding results out of w. A nil rnd gets a
// time-seeded source; tests pass a fixed seed for determinism.
func NewResolver(w quiet.Window, rnd *rand.Rand) *Resolver {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{quiet: w, rnd: rnd}
}

// SetWindow swaps the blackout window (config hot reload).
func (r *Resolver) SetWindow(w quiet.Window) {
	r.mu.Lock()
	r.quiet = w
	r.mu.Unlock()
}

// Window returns the current blackout window.
func (r *Resolver) Window() quiet.Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiet
}

// NextRun computes the next run time for s relative to now.
//
//   - KindInterval: now + seconds; jitter only when seconds > 0.
//   - KindMinuteHour: scan forward minute-by-minute from now+1m until both
//     fields match; jitter always.
//   - KindNone: now; jitter always.
//
// The jittered result is then folded out of the blackout window.
func (r *Resolver) NextRun(s Spec, now time.Time) time.Time {
	var next time.Time
	switch s.Kind() {
	case KindInterval:
		next = now.Add(time.Duration(s.Seconds()) * time.Second)
		if s.Seconds() > 0 {
			next = r.applyJitter(next)
		}
	case KindMinuteHour:
		next = r.applyJitter(r.nextCronMatch(s, now))
	default:
		next = r.applyJitter(now)
	}
	return r.foldQuiet(next)
}

// Deferral returns the post-blackout instant for a base time, jittered.
// The scheduler uses it for quiet-hours and budget deferrals.
func (r *Resolver) Deferral(base time.Time) time.Time {
	r.mu.Lock()
	w := r.quiet
	r.mu.Unlock()
	return r.applyJitter(w.NextAllowed(base))
}

// DeferralNextDay returns the following day's post-blackout instant,
// jittered, regardless of where base sits relative to the window. Budget
// refusals defer a full day, not merely past the next window.
func (r *Resolver) DeferralNextDay(base time.Time) time.Time {
	r.mu.Lock()
	w := r.quiet
	r.mu.Unlock()
	d := base.AddDate(0, 0, 1)
	t := time.Date(d.Year(), d.Month(), d.Day(), w.EndHour, 0, 0, 0, base.Location())
	return r.applyJitter(t)
}

// nextCronMatch scans forward from the next whole minute until the spec's
// minute and hour fields both match.
func (r *Resolver) nextCronMatch(s Spec, now time.Time) time.Time {
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for !s.matchMinute(candidate.Minute()) || !s.matchHour(candidate.Hour()) {
		candidate = candidate.Add(time.Minute)
	}
	return candidate
}

// applyJitter adds a uniform random offset in [JitterMinSeconds,
// JitterMaxSeconds] seconds. Never negative, so jobs never fire early
// relative to their nominal schedule.
func (r *Resolver) applyJitter(t time.Time) time.Time {
	r.mu.Lock()
	n := JitterMinSeconds + r.rnd.Intn(JitterMaxSeconds-JitterMinSeconds+1)
	r.mu.Unlock()
	return t.Add(time.Duration(n) * time.Second)
}

// foldQuiet discards a timestamp that landed inside the blackout window and
// recomputes from the window's end instant, re-applying jitter. Idempotent
// as long as the window gap exceeds the jitter ceiling.
func (r *Resolver) foldQuiet(t time.Time) time.Time {
	r.mu.Lock()
	w := r.quiet
	r.mu.Unlock()
	if !w.In(t) {
		return t
	}
	return r.applyJitter(w.NextAllowed(t))
}
