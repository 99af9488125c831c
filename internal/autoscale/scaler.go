// Package autoscale asks an external scaler for more or fewer backend
// workers based on actor queue depth and observed latency. It is advisory:
// failures are logged and dispatch carries on with the capacity it has.
package autoscale

import (
	"context"
	"log"
	"sync"
	"time"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
)

const latencyWindow = 32

// QueueSource reports how many actors are waiting or running
type QueueSource interface {
	QueueDepth() int
}

// WorkerAPI the scaler endpoint
type WorkerAPI interface {
	Status(ctx context.Context) (*clients.ScalerStatus, error)
	SetDesired(ctx context.Context, n int) error
}

// Scaler periodic desired-worker computation
type Scaler struct {
	cfg   config.AutoscaleConfig
	queue QueueSource
	api   WorkerAPI

	mu        sync.Mutex
	latencies []time.Duration
	next      int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScaler create scaler
func NewScaler(cfg config.AutoscaleConfig, queue QueueSource, api WorkerAPI) *Scaler {
	if cfg.TasksPerWorker <= 0 {
		cfg.TasksPerWorker = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60
	}
	return &Scaler{
		cfg:       cfg,
		queue:     queue,
		api:       api,
		latencies: make([]time.Duration, 0, latencyWindow),
		stopCh:    make(chan struct{}),
	}
}

// ObserveLatency record one backend wall time
func (s *Scaler) ObserveLatency(kind models.ProofKind, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, d)
		return
	}
	s.latencies[s.next] = d
	s.next = (s.next + 1) % latencyWindow
}

// AverageLatency mean over the recent window
func (s *Scaler) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.latencies {
		total += d
	}
	return total / time.Duration(len(s.latencies))
}

// Desired worker count for the current queue depth and latency
func (s *Scaler) Desired() int {
	depth := s.queue.QueueDepth()
	desired := (depth + s.cfg.TasksPerWorker - 1) / s.cfg.TasksPerWorker

	threshold := time.Duration(s.cfg.LatencyThreshold) * time.Second
	if threshold > 0 && s.AverageLatency() > threshold {
		desired++
	}

	if desired < s.cfg.MinWorkers {
		desired = s.cfg.MinWorkers
	}
	if s.cfg.MaxWorkers > 0 && desired > s.cfg.MaxWorkers {
		desired = s.cfg.MaxWorkers
	}
	return desired
}

// Tick one scaling round; posts only when the scaler disagrees
func (s *Scaler) Tick(ctx context.Context) error {
	desired := s.Desired()
	metrics.AutoscaleDesiredWorkers.Set(float64(desired))

	status, err := s.api.Status(ctx)
	if err != nil {
		return err
	}
	if status.Desired == desired {
		return nil
	}

	if err := s.api.SetDesired(ctx, desired); err != nil {
		return err
	}
	log.Printf("🔧 [Autoscale] Desired workers %d -> %d (current=%d, pending=%d, queue=%d)",
		status.Desired, desired, status.Current, status.Pending, s.queue.QueueDepth())
	return nil
}

// Start 启动扩缩容循环
func (s *Scaler) Start() {
	log.Printf("🚀 [Autoscale] Starting, interval=%ds, workers=[%d,%d]", s.cfg.Interval, s.cfg.MinWorkers, s.cfg.MaxWorkers)
	s.wg.Add(1)
	go s.loop()
}

// Stop 停止扩缩容循环
func (s *Scaler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Println("✅ [Autoscale] Stopped")
}

func (s *Scaler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Tick(ctx); err != nil {
				log.Printf("⚠️ [Autoscale] Scaling round failed, continuing with current capacity: %v", err)
			}
			cancel()
		}
	}
}
