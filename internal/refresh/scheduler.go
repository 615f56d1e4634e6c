// Package refresh owns the refresh jobs: cron-scheduled dispatches of the
// next selected photo to a display agent, either over HTTP or through a
// configured post command.
package refresh

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs one-shot fires for refresh jobs. Jobs are armed for a
// single instant and re-armed by their task after each fire; this keeps
// cron notation handling in one place (the same iterator the collection
// workers use) and lets a manual refresh rewrite the next run without
// ambiguity.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job // job identifier → armed one-shot
	logger    *slog.Logger
}

func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		logger:    logger,
	}, nil
}

// ArmAt schedules task to run once at the given instant, replacing any
// previously armed fire for the same name. Instants in the past are
// nudged forward, the scheduler rejects them otherwise.
func (s *Scheduler) ArmAt(name string, at time.Time, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[name]; ok {
		if err := s.scheduler.RemoveJob(j.ID()); err != nil {
			s.logger.Warn("replace armed fire", "component", "refresh", "job", name, "error", err)
		}
		delete(s.jobs, name)
	}

	if !at.After(time.Now()) {
		at = time.Now().Add(50 * time.Millisecond)
	}

	j, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(task),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("arm %s: %w", name, err)
	}
	s.jobs[name] = j
	s.logger.Debug("fire armed", "component", "refresh", "job", name, "at", at)
	return nil
}

// Disarm cancels the armed fire for a name. No-op when nothing is armed.
func (s *Scheduler) Disarm(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("disarm fire", "component", "refresh", "job", name, "error", err)
	}
	delete(s.jobs, name)
}

// NextRun reports when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	next, err := j.NextRun()
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// Start begins executing armed fires.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down and waits for running fires to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
