package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func counter(n *atomic.Int32, err error) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return err
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	s := New(Config{LockPath: filepath.Join(t.TempDir(), "scheduler.lock")})
	var health, cleanup atomic.Int32
	if err := s.Register(Job{Name: "health-scan", Every: 15 * time.Second, Run: counter(&health, nil)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Job{Name: "cleanup", Every: time.Minute, Run: counter(&cleanup, nil)}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.tick(ctx, t0)
	s.tick(ctx, t0.Add(10*time.Second))
	s.tick(ctx, t0.Add(20*time.Second))
	s.tick(ctx, t0.Add(61*time.Second))

	if health.Load() != 3 {
		t.Fatalf("health-scan ran %d times, want 3", health.Load())
	}
	if cleanup.Load() != 2 {
		t.Fatalf("cleanup ran %d times, want 2", cleanup.Load())
	}
	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "cleanup" || jobs[1].Runs != 3 {
		t.Fatalf("unexpected job status: %+v", jobs)
	}
}

func TestTickRecordsFailures(t *testing.T) {
	s := New(Config{})
	var n atomic.Int32
	_ = s.Register(Job{Name: "health-scan", Every: time.Second, Run: counter(&n, errors.New("database is locked"))})

	s.tick(context.Background(), time.Now())
	st := s.Jobs()[0]
	if st.Failures != 1 || st.LastError != "database is locked" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRegisterValidates(t *testing.T) {
	s := New(Config{})
	noop := func(context.Context) error { return nil }
	for _, j := range []Job{
		{Every: time.Second, Run: noop},
		{Name: "x", Every: time.Second},
		{Name: "x", Run: noop},
	} {
		if err := s.Register(j); err == nil {
			t.Fatalf("expected error for %+v", j)
		}
	}
}

func TestLockSkipsTick(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "scheduler.lock")
	holder := NewFileLock(lockPath)
	ok, err := holder.TryLock()
	if err != nil || !ok {
		t.Fatalf("holder should acquire: %v", err)
	}

	s := New(Config{LockPath: lockPath})
	var n atomic.Int32
	_ = s.Register(Job{Name: "health-scan", Every: time.Second, Run: counter(&n, nil)})

	s.tick(context.Background(), time.Now())
	if n.Load() != 0 {
		t.Fatal("tick must not run while another process holds the lock")
	}

	if err := holder.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	s.tick(context.Background(), time.Now())
	if n.Load() != 1 {
		t.Fatalf("tick should run after release, ran %d", n.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Config{TickInterval: 10 * time.Millisecond})
	var n atomic.Int32
	_ = s.Register(Job{Name: "health-scan", Every: time.Millisecond, Run: counter(&n, nil)})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected run error: %v", err)
	}
	if n.Load() < 2 {
		t.Fatalf("expected several runs, got %d", n.Load())
	}
}

func TestSemaphoreLimit(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	sem.Release()
	freed, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	if err := sem.Acquire(freed); err != nil {
		t.Fatalf("released slot should be reusable: %v", err)
	}
}
