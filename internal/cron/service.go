// Package cron runs the bot's periodic maintenance jobs.
package cron

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// JobState is what the service remembers about a job's last run.
type JobState struct {
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// Job describes one registered job.
type Job struct {
	Name  string   `json:"name"`
	Spec  string   `json:"spec"`
	State JobState `json:"state"`
}

type entry struct {
	job     Job
	fn      JobFunc
	entryID rcron.EntryID
	running sync.Mutex
}

// Service schedules named jobs on standard cron specs ("*/5 * * * *",
// "@every 5m").
type Service struct {
	mu     sync.Mutex
	jobs   map[string]*entry
	cron   *rcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService() *Service {
	return &Service{jobs: make(map[string]*entry)}
}

func (s *Service) logger() *zerolog.Logger {
	l := log.With().Str("component", "cron").Logger()
	return &l
}

// AddJob registers fn under name. Jobs added after Start are scheduled
// immediately.
func (s *Service) AddJob(name, spec string, fn JobFunc) error {
	if _, err := rcron.ParseStandard(spec); err != nil {
		return errors.Wrapf(err, "job %s: parse schedule %q", name, spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return errors.Errorf("job %s already registered", name)
	}
	e := &entry{job: Job{Name: name, Spec: spec}, fn: fn}
	s.jobs[name] = e
	if s.cron != nil {
		return s.register(e)
	}
	return nil
}

func (s *Service) register(e *entry) error {
	ctx := s.ctx
	id, err := s.cron.AddFunc(e.job.Spec, func() { _ = s.execute(ctx, e) })
	if err != nil {
		return errors.Wrapf(err, "register job %s", e.job.Name)
	}
	e.entryID = id
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("cron already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New()
	for _, e := range s.jobs {
		if err := s.register(e); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger().Info().Int("jobs", len(s.jobs)).Msg("started")
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()

	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.logger().Warn().Msg("stop timeout waiting for running jobs")
	}
	s.logger().Info().Msg("stopped")
}

// RunJob runs name now, outside its schedule.
func (s *Service) RunJob(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("job %s not found", name)
	}
	return s.execute(ctx, e)
}

// execute never overlaps two runs of the same job.
func (s *Service) execute(ctx context.Context, e *entry) error {
	if !e.running.TryLock() {
		s.logger().Debug().Str("job", e.job.Name).Msg("previous run still active")
		return nil
	}
	defer e.running.Unlock()

	start := time.Now()
	err := e.fn(ctx)

	s.mu.Lock()
	e.job.State.Runs++
	e.job.State.LastRunAt = start
	if err != nil {
		e.job.State.LastStatus = "error"
		e.job.State.LastError = err.Error()
	} else {
		e.job.State.LastStatus = "ok"
		e.job.State.LastError = ""
	}
	s.mu.Unlock()

	ev := s.logger().Debug()
	if err != nil {
		ev = s.logger().Error().Err(err)
	}
	ev.Str("job", e.job.Name).Dur("took", time.Since(start)).Msg("job finished")
	return err
}

// ListJobs returns the registered jobs ordered by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
