package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Quiet     QuietConfig     `json:"quiet_hours"`
	Budget    BudgetConfig    `json:"budget"`
	Paths     PathsConfig     `json:"paths"`
	History   *HistoryConfig  `json:"history,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the execution-pass cadence.
//
// TickSpec is a robfig/cron spec (5-field, descriptor, or "@every <dur>")
// driving how often RunPending fires; it is cadence only, job recurrence
// lives in the jobs file.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	TickSpec string `json:"tick_spec,omitempty"` // default "@every 30s"
	Timezone string `json:"timezone,omitempty"`  // IANA TZ, e.g. "America/Phoenix"
}

// QuietConfig is the daily blackout window in whole local hours,
// half-open [start, end).
type QuietConfig struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// BudgetConfig caps daily token consumption.
//
// StopThreshold blocks admission at the given used ratio; WarnThreshold is
// advisory only. Defaults: cap 25000, stop 0.9, warn 0.75.
type BudgetConfig struct {
	DailyTokenCap int     `json:"daily_token_cap,omitempty"`
	StopThreshold float64 `json:"stop_threshold,omitempty"`
	WarnThreshold float64 `json:"warn_threshold,omitempty"`
}

type PathsConfig struct {
	Jobs   string `json:"jobs,omitempty"`   // default "schedules/jobs.yaml"
	Ledger string `json:"ledger,omitempty"` // default "memory/cost_ledger.jsonl"
}

// HistoryConfig controls the optional run archive.
//
// Example:
//
//	"history": { "driver": "file", "path": "./pacer_history.jsonl" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

const (
	DefaultTickSpec      = "@every 30s"
	DefaultDailyTokenCap = 25000
	DefaultStopThreshold = 0.9
	DefaultWarnThreshold = 0.75
	DefaultJobsPath      = "schedules/jobs.yaml"
	DefaultLedgerPath    = "memory/cost_ledger.jsonl"
)

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Scheduler.TickSpec) == "" {
		c.Scheduler.TickSpec = DefaultTickSpec
	}
	if c.Quiet.StartHour == 0 && c.Quiet.EndHour == 0 {
		c.Quiet.StartHour = 2
		c.Quiet.EndHour = 6
	}
	if c.Budget.DailyTokenCap == 0 {
		c.Budget.DailyTokenCap = DefaultDailyTokenCap
	}
	if c.Budget.StopThreshold == 0 {
		c.Budget.StopThreshold = DefaultStopThreshold
	}
	if c.Budget.WarnThreshold == 0 {
		c.Budget.WarnThreshold = DefaultWarnThreshold
	}
	if strings.TrimSpace(c.Paths.Jobs) == "" {
		c.Paths.Jobs = DefaultJobsPath
	}
	if strings.TrimSpace(c.Paths.Ledger) == "" {
		c.Paths.Ledger = DefaultLedgerPath
	}
}

// Validate rejects configs the core cannot run safely.
//
// The quiet-hours check also guards the trigger fold: folding is idempotent
// only while the gap between the window's end and its next start exceeds the
// jitter ceiling (5 minutes). With whole-hour bounds and end > start the
// smallest expressible gap is one hour, so end > start is sufficient.
func (c *Config) Validate() error {
	if c.Budget.DailyTokenCap <= 0 {
		return fmt.Errorf("budget.daily_token_cap must be > 0")
	}
	if c.Budget.StopThreshold <= 0 || c.Budget.StopThreshold > 1 {
		return fmt.Errorf("budget.stop_threshold must be in (0, 1]")
	}
	if c.Budget.WarnThreshold < 0 || c.Budget.WarnThreshold >= c.Budget.StopThreshold {
		return fmt.Errorf("budget.warn_threshold must be in [0, stop_threshold)")
	}
	if c.Quiet.StartHour < 0 || c.Quiet.StartHour > 23 {
		return fmt.Errorf("quiet_hours.start_hour must be in 0..23")
	}
	if c.Quiet.EndHour <= c.Quiet.StartHour || c.Quiet.EndHour > 23 {
		return fmt.Errorf("quiet_hours.end_hour must be in (start_hour, 23]")
	}
	if spec := strings.TrimSpace(c.Scheduler.TickSpec); spec != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("scheduler.tick_spec: %w", err)
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if err := checkTimezone(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.History != nil {
		switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("history.driver %q unknown", c.History.Driver)
		}
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
