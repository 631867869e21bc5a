package trigger

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind describes the normalized kind of a recurrence spec.
//
// We intentionally keep this small: a fixed interval, a two-field
// minute/hour expression, or nothing (run once, immediately).
type Kind int

const (
	KindNone Kind = iota
	KindInterval
	KindMinuteHour
)

// Wildcard matches any value in a minute/hour field.
const Wildcard = "*"

// Spec is a recurrence specification. Exactly one form is active; the
// constructors make "interval XOR cron" checkable at build time instead of
// by convention on loosely-typed fields.
//
// The zero value is the none spec.
type Spec struct {
	kind    Kind
	seconds int
	minute  string
	hour    string
}

// None returns the empty recurrence: due immediately, no repeat rule.
func None() Spec { return Spec{} }

// Interval returns a fixed-interval recurrence of the given seconds.
// Zero is valid and means "run immediately, repeat immediately"
// (one-shot/test semantics, no jitter).
func Interval(seconds int) Spec {
	if seconds < 0 {
		seconds = 0
	}
	return Spec{kind: KindInterval, seconds: seconds}
}

// MinuteHour returns a two-field cron-like recurrence. Each field is either
// a decimal in range or "*" meaning any value.
func MinuteHour(minute, hour string) (Spec, error) {
	minute = strings.TrimSpace(minute)
	hour = strings.TrimSpace(hour)
	if err := checkField(minute, 59, "minute"); err != nil {
		return Spec{}, err
	}
	if err := checkField(hour, 23, "hour"); err != nil {
		return Spec{}, err
	}
	return Spec{kind: KindMinuteHour, minute: minute, hour: hour}, nil
}

// ParseCron parses a cron-style string, honoring only the first two fields
// (minute, hour). Trailing fields such as "* * *" are accepted and ignored.
// Fewer than two fields degrades to the none spec, matching loose stored
// records rather than rejecting them.
func ParseCron(expr string) (Spec, error) {
	parts := strings.Fields(expr)
	if len(parts) < 2 {
		return None(), nil
	}
	return MinuteHour(parts[0], parts[1])
}

func checkField(v string, max int, name string) error {
	if v == Wildcard {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s field %q", name, v)
	}
	if n < 0 || n > max {
		return fmt.Errorf("%s field %d out of range 0..%d", name, n, max)
	}
	return nil
}

func (s Spec) Kind() Kind { return s.kind }

// Seconds returns the interval length; meaningful only for KindInterval.
func (s Spec) Seconds() int { return s.seconds }

// Fields returns the minute and hour expressions; meaningful only for
// KindMinuteHour.
func (s Spec) Fields() (minute, hour string) { return s.minute, s.hour }

// CronExpr renders the minute/hour pair back into its stored five-field form.
func (s Spec) CronExpr() string {
	if s.kind != KindMinuteHour {
		return ""
	}
	return s.minute + " " + s.hour + " * * *"
}

func (s Spec) String() string {
	switch s.kind {
	case KindInterval:
		return fmt.Sprintf("interval(%ds)", s.seconds)
	case KindMinuteHour:
		return fmt.Sprintf("cron(%s %s)", s.minute, s.hour)
	default:
		return "none"
	}
}

func (s Spec) matchMinute(m int) bool {
	if s.minute == Wildcard {
		return true
	}
	n, _ := strconv.Atoi(s.minute)
	return n == m
}

func (s Spec) matchHour(h int) bool {
	if s.hour == Wildcard {
		return true
	}
	n, _ := strconv.Atoi(s.hour)
	return n == h
}
