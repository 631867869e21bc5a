// Package quiet implements the blackout-window ("quiet hours") policy.
//
// The window is a half-open range of local hours [StartHour, EndHour):
// a timestamp at exactly EndHour:00 is already outside the window.
// The policy is pure and does no I/O; all callers pass timestamps in.
package quiet

import "time"

// Default window: 02:00-06:00 local.
const (
	DefaultStartHour = 2
	DefaultEndHour   = 6
)

// Window is a daily blackout window expressed in whole local hours.
//
// EndHour must be strictly greater than StartHour; config validation
// enforces this before a Window reaches the scheduler.
type Window struct {
	StartHour int
	EndHour   int
}

// Default returns the stock 02:00-06:00 window.
func Default() Window {
	return Window{StartHour: DefaultStartHour, EndHour: DefaultEndHour}
}

// In reports whether t falls inside the blackout window.
func (w Window) In(t time.Time) bool {
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// NextAllowed returns the earliest instant at or after which the window no
// longer applies, relative to t: the same day's EndHour on the hour, or the
// following day's when t is already at or past EndHour.
//
// The result is a bare fold target; callers re-apply jitter themselves.
func (w Window) NextAllowed(t time.Time) time.Time {
	day := t
	if t.Hour() >= w.EndHour {
		day = t.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), w.EndHour, 0, 0, 0, t.Location())
}
