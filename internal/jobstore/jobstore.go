// Package jobstore persists the job collection as a single YAML document.
//
// The store is whole-collection: Load reads everything, Save atomically
// replaces everything. The scheduler is the only writer.
package jobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"pacer/internal/trigger"
	logx "pacer/pkg/logx"
)

// Job is one recurring unit of scheduled work.
//
// TaskRef is the opaque handler lookup key; there is no separate job ID.
// Constraints are forwarded, never interpreted, by this core.
// NextRun is zero only for freshly-loaded records that never ran; the
// scheduler initializes it on the first pass.
type Job struct {
	TaskRef     string
	Trigger     trigger.Spec
	Constraints map[string]any
	LastRun     *time.Time
	NextRun     time.Time
}

// record is the on-disk shape. interval and cron are mutually exclusive;
// when a loose document carries both, interval wins.
type record struct {
	TaskRef     string         `yaml:"task_ref"`
	Interval    *int           `yaml:"interval,omitempty"`
	Cron        string         `yaml:"cron,omitempty"`
	Constraints map[string]any `yaml:"constraints,omitempty"`
	LastRun     *string        `yaml:"last_run"`
	NextRun     *string        `yaml:"next_run"`
}

type document struct {
	Jobs []record `yaml:"jobs"`
}

const tsFormat = time.RFC3339

// Store reads and writes the jobs file.
type Store struct {
	path string
	log  logx.Logger
}

func New(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the whole collection. A missing file, unreadable file, or
// undecodable document all degrade to an empty collection so the scheduler
// stays bootable; only the latter two are logged.
func (s *Store) Load() []Job {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("jobs file unreadable, starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return nil
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		s.log.Warn("jobs file undecodable, starting empty", logx.String("path", s.path), logx.Err(err))
		return nil
	}

	jobs := make([]Job, 0, len(doc.Jobs))
	for i := range doc.Jobs {
		job, err := fromRecord(doc.Jobs[i])
		if err != nil {
			s.log.Warn("skipping malformed job record", logx.Int("index", i), logx.Err(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// Save atomically replaces the jobs file with the full collection: write a
// temp file in the same directory, then rename over the target. A crash
// mid-save leaves the previous document intact.
func (s *Store) Save(jobs []Job) error {
	doc := document{Jobs: make([]record, 0, len(jobs))}
	for i := range jobs {
		doc.Jobs = append(doc.Jobs, toRecord(jobs[i]))
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobs dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace jobs: %w", err)
	}
	return nil
}

func fromRecord(r record) (Job, error) {
	job := Job{
		TaskRef:     r.TaskRef,
		Constraints: r.Constraints,
	}

	switch {
	case r.Interval != nil:
		job.Trigger = trigger.Interval(*r.Interval)
	case r.Cron != "":
		spec, err := trigger.ParseCron(r.Cron)
		if err != nil {
			return Job{}, fmt.Errorf("cron %q: %w", r.Cron, err)
		}
		job.Trigger = spec
	default:
		job.Trigger = trigger.None()
	}

	if r.LastRun != nil && *r.LastRun != "" {
		t, err := time.Parse(tsFormat, *r.LastRun)
		if err != nil {
			return Job{}, fmt.Errorf("last_run: %w", err)
		}
		job.LastRun = &t
	}
	if r.NextRun != nil && *r.NextRun != "" {
		t, err := time.Parse(tsFormat, *r.NextRun)
		if err != nil {
			return Job{}, fmt.Errorf("next_run: %w", err)
		}
		job.NextRun = t
	}
	return job, nil
}

func toRecord(j Job) record {
	r := record{
		TaskRef:     j.TaskRef,
		Constraints: j.Constraints,
	}
	switch j.Trigger.Kind() {
	case trigger.KindInterval:
		sec := j.Trigger.Seconds()
		r.Interval = &sec
	case trigger.KindMinuteHour:
		r.Cron = j.Trigger.CronExpr()
	}
	if j.LastRun != nil {
		s := j.LastRun.Format(tsFormat)
		r.LastRun = &s
	}
	if !j.NextRun.IsZero() {
		s := j.NextRun.Format(tsFormat)
		r.NextRun = &s
	}
	return r
}
