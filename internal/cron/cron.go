// Package cron runs lifecycle actions on services at fixed intervals, e.g. a
// nightly restart.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Job is one schedules entry of the configuration.
// Schedule supports only the form "@every <duration>" (e.g. "@every 24h").
type Job struct {
	Service  string `mapstructure:"service"`
	Action   string `mapstructure:"action"`
	Schedule string `mapstructure:"schedule"`
}

func (j Job) String() string { return j.Action + " " + j.Service + " " + j.Schedule }

// Doer runs lifecycle actions.
type Doer interface {
	Do(name string, a protocol.Action) error
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule %q (only @every <duration> is supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

type entry struct {
	job    Job
	action protocol.Action
	period time.Duration
	// running skips ticks while the previous run of the job is in flight.
	running atomic.Bool
}

// Scheduler fires the actions of its jobs on a Doer.
type Scheduler struct {
	do   Doer
	log  *slog.Logger
	jobs []*entry
	runs atomic.Int64
}

func NewScheduler(do Doer, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{do: do, log: log.With("component", "cron")}
}

// Add validates j and queues it. It must be called before Run.
func (s *Scheduler) Add(j Job) error {
	if j.Service == "" {
		return errors.New("schedule requires a service")
	}
	a, ok := protocol.ParseAction(j.Action)
	if !ok || !a.IsLifecycle() {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownAction, j.Action)
	}
	d, err := parseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("schedule for %s: %w", j.Service, err)
	}
	s.jobs = append(s.jobs, &entry{job: j, action: a, period: d})
	return nil
}

// Len is the number of jobs.
func (s *Scheduler) Len() int { return len(s.jobs) }

// Runs counts the actions fired so far.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Run fires the jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, e := range s.jobs {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.runJob(ctx, e)
		}(e)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, e *entry) {
	t := time.NewTicker(e.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !e.running.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer e.running.Store(false)
				s.fire(e)
			}()
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	s.runs.Add(1)
	err := s.do.Do(e.job.Service, e.action)
	var sig protocol.Signal
	switch {
	case err == nil:
		s.log.Info("scheduled action", "service", e.job.Service, "action", e.action)
	case errors.As(err, &sig):
		s.log.Debug("scheduled action refused", "service", e.job.Service, "action", e.action, "signal", sig)
	default:
		s.log.Warn("scheduled action failed", "service", e.job.Service, "action", e.action, "error", err)
	}
}
