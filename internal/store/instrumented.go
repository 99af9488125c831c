package store

import (
	"context"
	"time"

	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
)

type instrumented struct {
	inner  Store
	driver string
}

// Instrument record per-operation latency of s under the driver label
func Instrument(s Store, driver string) Store {
	return &instrumented{inner: s, driver: driver}
}

// Unwrap the driver behind the metrics wrapper
func (s *instrumented) Unwrap() Store { return s.inner }

func (s *instrumented) observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(s.driver, op).Observe(time.Since(start).Seconds())
}

func (s *instrumented) Insert(ctx context.Context, rec *models.TaskRecord) (*models.TaskRecord, bool, error) {
	defer s.observe("insert", time.Now())
	return s.inner.Insert(ctx, rec)
}

func (s *instrumented) Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error) {
	defer s.observe("get", time.Now())
	return s.inner.Get(ctx, fp)
}

func (s *instrumented) CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error {
	defer s.observe("compare_and_swap", time.Now())
	return s.inner.CompareAndSwap(ctx, fp, expected, revision, next)
}

func (s *instrumented) Scan(ctx context.Context, after models.Fingerprint, limit int) ([]*models.TaskRecord, error) {
	defer s.observe("scan", time.Now())
	return s.inner.Scan(ctx, after, limit)
}

func (s *instrumented) Delete(ctx context.Context, fp models.Fingerprint) (bool, error) {
	defer s.observe("delete", time.Now())
	return s.inner.Delete(ctx, fp)
}

func (s *instrumented) Ping(ctx context.Context) error {
	err := s.inner.Ping(ctx)
	if err != nil {
		metrics.StoreConnectionStatus.WithLabelValues(s.driver).Set(0)
	} else {
		metrics.StoreConnectionStatus.WithLabelValues(s.driver).Set(1)
	}
	return err
}

func (s *instrumented) Close() error {
	return s.inner.Close()
}
