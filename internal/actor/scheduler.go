// Package actor drives task records from registered to a terminal status.
// One goroutine owns one fingerprint; a weighted semaphore bounds how many
// of them talk to backends at once.
package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"proof-orchestrator/internal/backends"
	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/reqpool"
)

// LatencyObserver receives the backend wall time of every finished actor
type LatencyObserver interface {
	ObserveLatency(kind models.ProofKind, d time.Duration)
}

// Options actor timing and concurrency
type Options struct {
	MaxConcurrency int
	PollInterval   time.Duration
	MaxWait        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// OptionsFromConfig convert the actor section
func OptionsFromConfig(cfg config.ActorConfig) Options {
	return Options{
		MaxConcurrency: cfg.MaxConcurrency,
		PollInterval:   cfg.PollIntervalDuration(),
		MaxWait:        cfg.MaxWaitDuration(),
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelayDuration(),
	}
}

// Scheduler actor pool
type Scheduler struct {
	pool     *reqpool.Pool
	registry *backends.Registry
	opts     Options
	logger   *logrus.Logger

	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	waiting atomic.Int64
	active  atomic.Int64

	mu       sync.Mutex
	running  map[models.Fingerprint]context.CancelFunc
	stopped  bool
	observer LatencyObserver
}

// NewScheduler create scheduler
func NewScheduler(pool *reqpool.Pool, registry *backends.Registry, opts Options, logger *logrus.Logger) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:     pool,
		registry: registry,
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[models.Fingerprint]context.CancelFunc),
	}
}

// SetObserver install the latency observer (the auto-scaler)
func (s *Scheduler) SetObserver(o LatencyObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Spawn start the actor for a registered record. Returns false when this
// process already owns fp or the scheduler is stopped.
func (s *Scheduler) Spawn(fp models.Fingerprint) bool {
	return s.spawn(fp, false)
}

func (s *Scheduler) spawn(fp models.Fingerprint, resume bool) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.running[fp]; ok {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.running[fp] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(fp, cancel)

		s.waiting.Add(1)
		metrics.ActorsWaiting.Inc()
		err := s.sem.Acquire(ctx, 1)
		s.waiting.Add(-1)
		metrics.ActorsWaiting.Dec()
		if err != nil {
			return
		}
		defer s.sem.Release(1)

		s.active.Add(1)
		metrics.ActorsRunning.Inc()
		defer func() {
			s.active.Add(-1)
			metrics.ActorsRunning.Dec()
		}()

		newActor(s, fp, resume).run(ctx)
	}()
	return true
}

func (s *Scheduler) release(fp models.Fingerprint, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	delete(s.running, fp)
	s.mu.Unlock()
}

// Signal deliver a cancellation signal to the local actor owning fp. The
// record must already be cancelled in the pool; the actor only stops
// waiting. Returns false when no local actor owns fp.
func (s *Scheduler) Signal(fp models.Fingerprint) bool {
	s.mu.Lock()
	cancel, ok := s.running[fp]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Owns reports whether a local actor currently owns fp
func (s *Scheduler) Owns(fp models.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[fp]
	return ok
}

// QueueDepth actors waiting for a slot plus actors holding one
func (s *Scheduler) QueueDepth() int {
	return int(s.waiting.Load() + s.active.Load())
}

// Running actors holding a worker slot
func (s *Scheduler) Running() int {
	return int(s.active.Load())
}

// Recover respawn actors after a restart: registered non-aggregate records
// start fresh, work-in-progress records resume from their persisted handle.
// Registered aggregates belong to the aggregation coordinator.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	it := s.pool.List(reqpool.Filter{Statuses: []models.TaskStatus{
		models.TaskStatusRegistered,
		models.TaskStatusWorkInProgress,
	}})

	spawned := 0
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return spawned, fmt.Errorf("failed to scan for recovery: %w", err)
		}
		if !ok {
			break
		}
		switch {
		case rec.Status == models.TaskStatusWorkInProgress:
			if s.spawn(rec.Fingerprint, true) {
				spawned++
			}
		case !rec.IsAggregate():
			if s.spawn(rec.Fingerprint, false) {
				spawned++
			}
		}
	}

	if spawned > 0 {
		s.logger.WithField("actors", spawned).Info("🔄 [Scheduler] Recovered actors")
	}
	return spawned, nil
}

// Stop cancel every actor and wait for them to exit. Work-in-progress
// records are left as they are for Recover.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("🛑 [Scheduler] Stopping actors...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("✅ [Scheduler] All actors stopped")
}

func (s *Scheduler) observe(kind models.ProofKind, d time.Duration) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.ObserveLatency(kind, d)
	}
}

func (s *Scheduler) stopping() bool {
	return s.ctx.Err() != nil
}
