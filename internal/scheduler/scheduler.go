// Package scheduler runs the coordinator's periodic sweeps (health scan,
// cleanup) under a per-home file lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job is a unit of periodic work.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// JobStatus is a snapshot of a job's run history.
type JobStatus struct {
	Name      string        `json:"name"`
	Every     time.Duration `json:"every"`
	LastRun   time.Time     `json:"last_run,omitzero"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}

// Config holds scheduler settings. A zero TickInterval ticks at the shortest
// job interval.
type Config struct {
	TickInterval time.Duration
	LockPath     string
}

type entry struct {
	job    Job
	status JobStatus
}

// Scheduler ticks registered jobs. Each tick runs only while holding the file
// lock, so concurrent coordinators on one home take turns.
type Scheduler struct {
	cfg  Config
	mu   sync.Mutex
	jobs map[string]*entry
	lock *FileLock
	now  func() time.Time
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:  cfg,
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
	if cfg.LockPath != "" {
		s.lock = NewFileLock(cfg.LockPath)
	}
	return s
}

// Register adds or replaces a job.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	if job.Every <= 0 {
		return fmt.Errorf("scheduler: job %s needs a positive interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &entry{job: job, status: JobStatus{Name: job.Name, Every: job.Every}}
	slog.Info("Scheduler job registered", "name", job.Name, "every", job.Every)
	return nil
}

// Jobs returns the run history of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run ticks once immediately and then every tick interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.tickInterval()
	slog.Info("Scheduler started", "tick", interval, "jobs", len(s.Jobs()))
	s.tick(ctx, s.now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.cfg.TickInterval > 0 {
		return s.cfg.TickInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var shortest time.Duration
	for _, e := range s.jobs {
		if shortest == 0 || e.job.Every < shortest {
			shortest = e.job.Every
		}
	}
	if shortest < time.Second {
		shortest = time.Second
	}
	return shortest
}

// tick runs every due job in name order.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.lock != nil {
		acquired, err := s.lock.TryLock()
		if err != nil {
			slog.Warn("Scheduler lock error", "error", err)
			return
		}
		if !acquired {
			slog.Debug("Scheduler tick skipped: lock held by another process")
			return
		}
		defer s.lock.Unlock()
	}

	for _, e := range s.due(now) {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := e.job.Run(ctx)

		s.mu.Lock()
		e.status.LastRun = now
		e.status.Runs++
		if err != nil {
			e.status.Failures++
			e.status.LastError = err.Error()
		} else {
			e.status.LastError = ""
		}
		s.mu.Unlock()

		if err != nil {
			slog.Warn("Scheduler job failed", "job", e.job.Name, "error", err)
			continue
		}
		slog.Debug("Scheduler job finished", "job", e.job.Name, "took", time.Since(start))
	}
}

func (s *Scheduler) due(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for _, e := range s.jobs {
		if e.status.LastRun.IsZero() || now.Sub(e.status.LastRun) >= e.job.Every {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].job.Name < out[j].job.Name })
	return out
}
