// Package scheduler runs periodic jobs (price heartbeat, gradual exits).
// With a Locker configured, each run first takes a short-lived lock named
// after the job so that only one replica executes it per interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Job is a named function run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Locker grants exclusive runs across replicas. Acquire reports ok=false,
// with no error, when another holder has the lock.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// RedisLocker is a Locker backed by redsync.
type RedisLocker struct {
	rs  *redsync.Redsync
	ttl time.Duration
}

// NewRedisLocker creates a lock manager on rdb. ttl bounds how long a
// crashed holder blocks the others.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(rdb)), ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), bool, error) {
	m := l.rs.NewMutex("synth:job:"+name, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() {
		if _, err := m.Unlock(); err != nil {
			slog.Debug("job lock release failed", "job", name, "err", err)
		}
	}, true, nil
}

// Scheduler runs jobs until its context is cancelled.
type Scheduler struct {
	jobs   []Job
	locker Locker
}

// New creates a scheduler. locker may be nil for a single replica.
func New(locker Locker, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, locker: locker}
}

// Run starts one loop per job and blocks until ctx is done and every loop
// has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	slog.Info("job started", "job", j.Name, "interval", j.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("job stopped", "job", j.Name)
			return
		case <-ticker.C:
			s.RunOnce(ctx, j)
		}
	}
}

// RunOnce executes j once, under the lock when one is configured. It
// reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, j Job) bool {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, j.Name)
		if err != nil {
			slog.Warn("job lock unavailable", "job", j.Name, "err", err)
			return false
		}
		if !ok {
			return false
		}
		defer release()
	}

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		slog.Error("job failed", "job", j.Name, "err", err, "duration", time.Since(start))
		return true
	}
	slog.Debug("job done", "job", j.Name, "duration", time.Since(start))
	return true
}
