package services

import (
	"context"
	"log"
	"sync"
	"time"

	"proof-orchestrator/internal/config"
)

// Pruner removes old records
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration, terminalOnly bool) (int, error)
}

// RetentionService periodically prunes terminal records older than the
// configured max age
type RetentionService struct {
	pruner   Pruner
	interval time.Duration
	maxAge   time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRetentionService create retention service
func NewRetentionService(pruner Pruner, cfg config.RetentionConfig) *RetentionService {
	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionService{
		pruner:   pruner,
		interval: interval,
		maxAge:   time.Duration(cfg.MaxAge) * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动清理循环
func (r *RetentionService) Start() {
	log.Printf("🚀 [Retention] Starting, interval=%s, max_age=%s", r.interval, r.maxAge)
	r.wg.Add(1)
	go r.loop()
}

// Stop 停止清理循环
func (r *RetentionService) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	log.Println("✅ [Retention] Stopped")
}

// RunOnce one prune round
func (r *RetentionService) RunOnce(ctx context.Context) (int, error) {
	return r.pruner.Prune(ctx, r.maxAge, true)
}

func (r *RetentionService) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.RunOnce(ctx); err != nil {
				log.Printf("⚠️ [Retention] Prune round failed: %v", err)
			}
			cancel()
		}
	}
}
