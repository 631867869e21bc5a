package trigger

import (
	"math/rand"
	"testing"
	"time"

	"pacer/internal/quiet"
)

func testResolver(seed int64) *Resolver {
	return NewResolver(quiet.Default(), rand.New(rand.NewSource(seed)))
}

// Midday base, comfortably outside the blackout window.
func noon() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)
}

func TestJitterMonotonicity(t *testing.T) {
	t.Parallel()
	specs := []Spec{
		None(),
		Interval(0),
		Interval(60),
		Interval(3600),
		mustMinuteHour(t, "30", "14"),
		mustMinuteHour(t, "*", "*"),
	}
	for seed := int64(0); seed < 20; seed++ {
		r := testResolver(seed)
		now := noon()
		for _, s := range specs {
			got := r.NextRun(s, now)
			if got.Before(now) {
				t.Fatalf("seed %d spec %v: NextRun %v before now %v", seed, s, got, now)
			}
		}
	}
}

func TestIntervalZeroNoJitter(t *testing.T) {
	t.Parallel()
	r := testResolver(1)
	now := noon()
	got := r.NextRun(Interval(0), now)
	if !got.Equal(now) {
		t.Fatalf("interval 0 should run immediately, got %v (now %v)", got, now)
	}
}

func TestIntervalJitterBounds(t *testing.T) {
	t.Parallel()
	now := noon()
	for seed := int64(0); seed < 50; seed++ {
		r := testResolver(seed)
		got := r.NextRun(Interval(600), now)
		base := now.Add(600 * time.Second)
		off := got.Sub(base)
		if off < JitterMinSeconds*time.Second || off > JitterMaxSeconds*time.Second {
			t.Fatalf("seed %d: jitter offset %v outside [%ds, %ds]", seed, off, JitterMinSeconds, JitterMaxSeconds)
		}
	}
}

func TestCronScanMatchesFields(t *testing.T) {
	t.Parallel()
	r := testResolver(7)
	now := noon() // 12:00

	got := r.NextRun(mustMinuteHour(t, "30", "14"), now)
	// Candidate is 14:30 the same day; jitter lands within 5 minutes after.
	candidate := time.Date(2026, 3, 14, 14, 30, 0, 0, time.Local)
	if got.Before(candidate.Add(JitterMinSeconds * time.Second)) ||
		got.After(candidate.Add(JitterMaxSeconds*time.Second)) {
		t.Fatalf("cron 30 14: got %v, want within jitter of %v", got, candidate)
	}

	// Hour already passed today: scan wraps into tomorrow.
	got = r.NextRun(mustMinuteHour(t, "0", "9"), now)
	candidate = time.Date(2026, 3, 15, 9, 0, 0, 0, time.Local)
	if got.Before(candidate) || got.After(candidate.Add(JitterMaxSeconds*time.Second)) {
		t.Fatalf("cron 0 9: got %v, want within jitter of %v", got, candidate)
	}
}

func TestCronWildcardScansToNextMinute(t *testing.T) {
	t.Parallel()
	r := testResolver(3)
	now := time.Date(2026, 3, 14, 12, 0, 30, 0, time.Local)
	got := r.NextRun(mustMinuteHour(t, "*", "*"), now)
	candidate := time.Date(2026, 3, 14, 12, 1, 0, 0, time.Local)
	if got.Before(candidate) || got.After(candidate.Add(JitterMaxSeconds*time.Second)) {
		t.Fatalf("wildcard cron: got %v, want within jitter of %v", got, candidate)
	}
}

func TestQuietHoursExclusion(t *testing.T) {
	t.Parallel()
	w := quiet.Default()
	// Bases that land results inside the blackout window before folding.
	bases := []time.Time{
		time.Date(2026, 3, 14, 1, 58, 0, 0, time.Local), // jitter pushes into 02:xx
		time.Date(2026, 3, 14, 3, 0, 0, 0, time.Local),
		time.Date(2026, 3, 14, 5, 57, 0, 0, time.Local),
	}
	for seed := int64(0); seed < 30; seed++ {
		r := NewResolver(w, rand.New(rand.NewSource(seed)))
		for _, base := range bases {
			for _, s := range []Spec{None(), Interval(60)} {
				got := r.NextRun(s, base)
				if h := got.Hour(); h >= w.StartHour && h < w.EndHour {
					t.Fatalf("seed %d base %v spec %v: NextRun %v inside blackout", seed, base, s, got)
				}
			}
		}
	}
}

func TestFoldIdempotent(t *testing.T) {
	t.Parallel()
	r := testResolver(11)
	// A compliant timestamp must pass through foldQuiet unchanged.
	ts := time.Date(2026, 3, 14, 6, 3, 0, 0, time.Local)
	if got := r.foldQuiet(ts); !got.Equal(ts) {
		t.Fatalf("fold changed a compliant timestamp: %v -> %v", ts, got)
	}
}

func TestDeferral(t *testing.T) {
	t.Parallel()
	r := testResolver(5)

	// Inside the window: deferred past the same day's end hour.
	now := time.Date(2026, 3, 14, 3, 0, 0, 0, time.Local)
	got := r.Deferral(now)
	end := time.Date(2026, 3, 14, 6, 0, 0, 0, time.Local)
	if got.Before(end) || got.After(end.Add(JitterMaxSeconds*time.Second)) {
		t.Fatalf("Deferral = %v, want within jitter of %v", got, end)
	}

	// DeferralNextDay always lands on tomorrow's end hour.
	now = noon()
	got = r.DeferralNextDay(now)
	end = time.Date(2026, 3, 15, 6, 0, 0, 0, time.Local)
	if got.Before(end) || got.After(end.Add(JitterMaxSeconds*time.Second)) {
		t.Fatalf("DeferralNextDay = %v, want within jitter of %v", got, end)
	}
}

func mustMinuteHour(t *testing.T, minute, hour string) Spec {
	t.Helper()
	s, err := MinuteHour(minute, hour)
	if err != nil {
		t.Fatalf("MinuteHour(%q, %q): %v", minute, hour, err)
	}
	return s
}
