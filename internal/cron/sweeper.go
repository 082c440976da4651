package cron

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/threadbot/internal/metadata"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

// SweepJobName is the name the stuck lock sweeper is registered under.
const SweepJobName = "stuck-lock-sweep"

// DefaultMinIdle keeps the sweeper away from threads that saw traffic
// recently enough for an edit to still be propagating.
const DefaultMinIdle = time.Minute

// PlatformLookup resolves the platform hosting a channel's threads.
type PlatformLookup func(channel string) (thread.Platform, bool)

// StuckReporter receives the number of stuck threads after every sweep.
type StuckReporter interface {
	SetStuck(n int)
	ObserveSweep(err error)
}

// StuckThread is an idle thread whose metadata is still marked busy.
type StuckThread struct {
	Channel  string    `json:"channel"`
	ThreadID string    `json:"threadId"`
	LastSeen time.Time `json:"lastSeen"`
}

// Sweeper reports threads left locked by a turn that never finished. It
// only reports; clearing a flag is an operator decision.
type Sweeper struct {
	registry  *thread.Registry
	platforms PlatformLookup
	reporter  StuckReporter
	minIdle   time.Duration
	now       func() time.Time

	mu    sync.Mutex
	stuck []StuckThread
}

func NewSweeper(registry *thread.Registry, platforms PlatformLookup, reporter StuckReporter, minIdle time.Duration) *Sweeper {
	if minIdle < 0 {
		minIdle = DefaultMinIdle
	}
	return &Sweeper{
		registry:  registry,
		platforms: platforms,
		reporter:  reporter,
		minIdle:   minIdle,
		now:       time.Now,
	}
}

// Sweep checks every idle thread in the registry and returns the stuck
// ones. A thread that cannot be read is skipped; the first such error is
// returned after the sweep completes.
func (s *Sweeper) Sweep(ctx context.Context) ([]StuckThread, error) {
	logger := log.With().Str("component", "sweeper").Logger()
	var (
		found    []StuckThread
		firstErr error
	)
	for _, st := range s.registry.Snapshot() {
		if st.InFlight > 0 || s.now().Sub(st.LastSeen) < s.minIdle {
			continue
		}
		p, ok := s.platforms(st.Channel)
		if !ok {
			continue
		}
		messages, err := p.Messages(ctx, st.ThreadID)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "read thread %s", st.ThreadID)
			}
			continue
		}
		if len(messages) == 0 || !metadata.IsBusy(messages[0].Content) {
			continue
		}
		found = append(found, StuckThread{Channel: st.Channel, ThreadID: st.ThreadID, LastSeen: st.LastSeen})
		logger.Warn().Str("channel", st.Channel).Str("thread", st.ThreadID).
			Time("last_seen", st.LastSeen).Msg("thread locked with no turn in flight")
	}

	s.mu.Lock()
	s.stuck = found
	s.mu.Unlock()
	if s.reporter != nil {
		s.reporter.SetStuck(len(found))
		s.reporter.ObserveSweep(firstErr)
	}
	return found, firstErr
}

// Run adapts Sweep to a JobFunc.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Stuck returns the result of the last sweep.
func (s *Sweeper) Stuck() []StuckThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StuckThread, len(s.stuck))
	copy(out, s.stuck)
	return out
}
