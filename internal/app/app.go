// Package app wires the core together: config, logging, ledger, budget,
// scheduler, dispatch queue and the history archive, plus the cron tick
// that drives the execution pass.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pacer/internal/budget"
	"pacer/internal/config"
	"pacer/internal/dispatch"
	"pacer/internal/eventbus"
	"pacer/internal/history"
	"pacer/internal/jobstore"
	"pacer/internal/ledger"
	"pacer/internal/quiet"
	"pacer/internal/scheduler"
	"pacer/internal/trigger"
	logx "pacer/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	led      *ledger.Ledger
	pol      *budget.Policy
	resolver *trigger.Resolver
	store    *jobstore.Store
	sched    *scheduler.Service
	queue    *dispatch.Queue
	hist     history.Store

	c *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	led := ledger.New(cfg.Paths.Ledger, log.With(logx.String("comp", "ledger")))
	pol := budget.New(budget.Config{
		DailyTokenCap: cfg.Budget.DailyTokenCap,
		StopThreshold: cfg.Budget.StopThreshold,
		WarnThreshold: cfg.Budget.WarnThreshold,
	}, led, log.With(logx.String("comp", "budget")))

	resolver := trigger.NewResolver(quiet.Window{
		StartHour: cfg.Quiet.StartHour,
		EndHour:   cfg.Quiet.EndHour,
	}, nil)

	store := jobstore.New(cfg.Paths.Jobs, log.With(logx.String("comp", "jobstore")))
	sched := scheduler.New(store, resolver, pol, log.With(logx.String("comp", "scheduler")), bus)
	queue := dispatch.New(pol, led, log.With(logx.String("comp", "dispatch")), bus)

	var hist history.Store
	if cfg.History != nil {
		busy, _ := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
		hist, err = history.Open(history.Config{
			Driver:      cfg.History.Driver,
			Path:        cfg.History.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		logs:     logSvc,
		log:      log,
		bus:      bus,
		led:      led,
		pol:      pol,
		resolver: resolver,
		store:    store,
		sched:    sched,
		queue:    queue,
		hist:     hist,
	}
	a.sched.Register(TaskRefNightlySummary, a.nightlySummary)
	return a, nil
}

// Scheduler exposes the job surface to collaborators (intake, planners).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Dispatch exposes the admission/dispatch surface to the transport layer.
func (a *App) Dispatch() *dispatch.Queue { return a.queue }

// Start begins the config watch, the history event writer and the cron tick.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	updates := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case c, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(c)
			}
		}
	}()

	if a.hist != nil {
		a.startHistoryWriter(runCtx)
	}

	if cfg.Scheduler.Enabled {
		if err := a.startTick(cfg); err != nil {
			cancel()
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; jobs will not run")
	}

	a.log.Info("started",
		logx.String("tick", cfg.Scheduler.TickSpec),
		logx.Int("cap", cfg.Budget.DailyTokenCap),
		logx.Bool("history", a.hist != nil))
	return nil
}

func (a *App) startTick(cfg *config.Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	_, err := c.AddFunc(cfg.Scheduler.TickSpec, func() {
		now := time.Now().In(loc)
		if _, err := a.sched.RunPending(now); err != nil {
			// Save failures mean schedule state may be stale on disk; keep
			// the daemon alive but make sure operators notice.
			a.log.Error("execution pass could not persist", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("tick spec %q: %w", cfg.Scheduler.TickSpec, err)
	}
	c.Start()
	a.c = c
	return nil
}

// startHistoryWriter drains bus events into the durable run archive.
func (a *App) startHistoryWriter(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				rec, keep := recordFromEvent(ev)
				if !keep {
					continue
				}
				wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := a.hist.AppendRun(wctx, rec); err != nil {
					a.log.Warn("history append failed", logx.Err(err))
				}
				cancel()
			}
		}
	}()
}

func recordFromEvent(ev eventbus.Event) (history.RunRecord, bool) {
	rec := history.RunRecord{At: ev.Time}
	switch data := ev.Data.(type) {
	case scheduler.Outcome:
		rec.Kind = "job"
		rec.Ref = data.TaskRef
		rec.Outcome = string(data.Status)
		if data.Err != nil {
			rec.Error = data.Err.Error()
		}
		return rec, true
	case dispatch.ParkedItem:
		rec.Kind = "unit"
		rec.Ref = data.Unit.ID
		rec.Outcome = "parked"
		rec.Reason = data.Reason
		return rec, true
	case dispatch.CompletedRun:
		rec.Kind = "unit"
		rec.Ref = data.Unit.ID
		rec.Outcome = data.Outcome
		rec.EstimatedTokens = data.EstimatedTokens
		return rec, true
	default:
		return rec, false
	}
}

// applyConfig pushes a hot-reloaded config into the live components.
// Paths and history driver are boot-time only; changing them needs a restart.
func (a *App) applyConfig(c *config.Config) {
	if c == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	})
	a.pol.Apply(budget.Config{
		DailyTokenCap: c.Budget.DailyTokenCap,
		StopThreshold: c.Budget.StopThreshold,
		WarnThreshold: c.Budget.WarnThreshold,
	})
	a.resolver.SetWindow(quiet.Window{StartHour: c.Quiet.StartHour, EndHour: c.Quiet.EndHour})
	a.log.Info("config applied",
		logx.Int("cap", c.Budget.DailyTokenCap),
		logx.Float64("stop", c.Budget.StopThreshold),
		logx.Int("quiet_start", c.Quiet.StartHour),
		logx.Int("quiet_end", c.Quiet.EndHour))
}

// Stop halts the tick, unwinds background loops and closes sinks.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.c != nil {
		select {
		case <-a.c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
		a.c = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()

	if a.hist != nil {
		_ = a.hist.Close()
	}
	return a.logs.Close()
}
