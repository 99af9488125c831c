// Package reqpool is the only writer of task records. Register-or-attach and
// compare-and-set on the prior status are what make every fingerprint
// single-flight.
package reqpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/events"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/store"
)

// Pool request pool over a backing store
type Pool struct {
	store     store.Store
	publisher events.Publisher
	logger    *logrus.Logger
	now       func() time.Time
}

// New create a pool; publisher may be nil
func New(s store.Store, publisher events.Publisher, logger *logrus.Logger) *Pool {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Pool{
		store:     s,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// maxWriteAttempts bounds re-reads when only the revision moved under a write
const maxWriteAttempts = 8

// Transition the change applied by UpdateStatus
type Transition struct {
	Status          models.TaskStatus
	Result          *models.Proof
	Error           *models.TaskError
	AssignedBackend models.ProofKind
	// BackendHandle replaces the stored handle when non-empty
	BackendHandle  string
	IncrementRetry bool
}

// RegisterOrAttach insert a fresh Registered record for key, or return the
// existing one untouched with isNew=false
func (p *Pool) RegisterOrAttach(ctx context.Context, key models.RequestKey) (models.Fingerprint, *models.TaskRecord, bool, error) {
	if err := key.Validate(); err != nil {
		return "", nil, false, err
	}

	rec := models.NewTaskRecord(key, p.now())
	stored, inserted, err := p.store.Insert(ctx, rec)
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to register %s: %w", rec.Fingerprint, err)
	}

	if inserted {
		metrics.TasksRegistered.WithLabelValues(string(key.ProofKind), "new").Inc()
		p.logger.WithFields(logrus.Fields{
			"fingerprint": rec.Fingerprint,
			"request":     key.String(),
		}).Info("🆕 [RequestPool] Task registered")
		p.publisher.Publish(events.StatusEvent{
			Fingerprint: rec.Fingerprint,
			ProofKind:   key.ProofKind,
			To:          models.TaskStatusRegistered,
			At:          rec.CreatedAt,
		})
	} else {
		metrics.TasksRegistered.WithLabelValues(string(key.ProofKind), "attached").Inc()
		p.logger.WithFields(logrus.Fields{
			"fingerprint": stored.Fingerprint,
			"status":      stored.Status,
		}).Debug("[RequestPool] Attached to existing task")
	}
	return stored.Fingerprint, stored, inserted, nil
}

// RegisterAggregate register the aggregate over the ordered children
func (p *Pool) RegisterAggregate(ctx context.Context, kind models.ProofKind, network, l1Network string, prover common.Address, children []models.Fingerprint) (models.Fingerprint, *models.TaskRecord, bool, error) {
	key := models.NewAggregateKey(kind, network, l1Network, prover, children)
	return p.RegisterOrAttach(ctx, key)
}

// Get read a record; found is false when the fingerprint is unknown
func (p *Pool) Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, bool, error) {
	rec, err := p.store.Get(ctx, fp)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func allowed(from, to models.TaskStatus) bool {
	// a work-in-progress record may be rewritten in place to persist a
	// backend handle, an assigned backend or a retry count
	if from == to {
		return from == models.TaskStatusWorkInProgress
	}
	return models.CanTransition(from, to)
}

// UpdateStatus compare-and-set from expected to t.Status. Returns
// models.ErrConflict when the record is no longer in expected, and the
// written record otherwise. A concurrent write that kept the status is
// re-read and t is applied on top of it, so retry counts and backend
// handles are never lost.
func (p *Pool) UpdateStatus(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, t Transition) (*models.TaskRecord, error) {
	if !allowed(expected, t.Status) {
		return nil, fmt.Errorf("illegal transition %s -> %s for %s", expected, t.Status, fp)
	}
	if t.Status == models.TaskStatusSuccess && t.Result == nil {
		return nil, fmt.Errorf("success transition for %s without result", fp)
	}
	if t.Status == models.TaskStatusFailed && t.Error == nil {
		return nil, fmt.Errorf("failed transition for %s without error", fp)
	}

	var next *models.TaskRecord
	for attempt := 1; ; attempt++ {
		current, err := p.store.Get(ctx, fp)
		if err != nil {
			return nil, err
		}
		if current.Status != expected {
			p.conflict(fp, expected, current.Status, t.Status)
			return current, models.ErrConflict
		}

		next = p.apply(current, t)
		err = p.store.CompareAndSwap(ctx, fp, expected, current.Revision, next)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		// a write in the same status landed first; re-read and apply on top of it
		if attempt >= maxWriteAttempts {
			p.conflict(fp, expected, "", t.Status)
			return nil, err
		}
	}

	if expected != t.Status {
		metrics.StatusTransitions.WithLabelValues(string(expected), string(t.Status)).Inc()
		entry := p.logger.WithFields(logrus.Fields{
			"fingerprint": fp,
			"from":        expected,
			"to":          t.Status,
			"backend":     next.AssignedBackend,
		})
		if t.Status == models.TaskStatusFailed {
			entry.WithField("error", t.Error.Error()).Error("❌ [RequestPool] Task failed")
		} else {
			entry.Info("🔄 [RequestPool] Status updated")
		}
		p.publisher.Publish(events.StatusEvent{
			Fingerprint: fp,
			ProofKind:   next.Request.ProofKind,
			From:        expected,
			To:          t.Status,
			At:          next.UpdatedAt,
			Error:       next.Error,
		})
	}
	return next, nil
}

// apply builds the record t produces from current
func (p *Pool) apply(current *models.TaskRecord, t Transition) *models.TaskRecord {
	next := current.Clone()
	next.Status = t.Status
	next.Revision = current.Revision + 1
	next.UpdatedAt = p.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	if t.AssignedBackend != "" {
		next.AssignedBackend = t.AssignedBackend
	}
	if t.BackendHandle != "" {
		next.BackendHandle = t.BackendHandle
	}
	if t.IncrementRetry {
		next.RetryCount++
	}
	next.Result = nil
	next.Error = nil
	switch t.Status {
	case models.TaskStatusSuccess:
		next.Result = t.Result
	case models.TaskStatusFailed:
		next.Error = t.Error
	}
	return next
}

func (p *Pool) conflict(fp models.Fingerprint, expected, actual, target models.TaskStatus) {
	metrics.StatusConflicts.Inc()
	p.logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"expected":    expected,
		"actual":      actual,
		"target":      target,
	}).Debug("[RequestPool] Status conflict")
}

// Prune delete records whose last update is older than olderThan. With
// terminalOnly only success, failed and cancelled records are removed.
// Removing an already-absent record is not an error.
func (p *Pool) Prune(ctx context.Context, olderThan time.Duration, terminalOnly bool) (int, error) {
	filter := Filter{UpdatedBefore: p.now().Add(-olderThan)}
	if terminalOnly {
		filter.Statuses = []models.TaskStatus{models.TaskStatusSuccess, models.TaskStatusFailed, models.TaskStatusCancelled}
	}

	removed := 0
	it := p.List(filter)
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return removed, fmt.Errorf("failed to scan for prune: %w", err)
		}
		if !ok {
			break
		}
		existed, err := p.store.Delete(ctx, rec.Fingerprint)
		if err != nil {
			return removed, fmt.Errorf("failed to delete %s: %w", rec.Fingerprint, err)
		}
		if existed {
			removed++
		}
	}

	metrics.RecordsPruned.Add(float64(removed))
	if removed > 0 {
		p.logger.WithFields(logrus.Fields{
			"removed":       removed,
			"older_than":    olderThan.String(),
			"terminal_only": terminalOnly,
		}).Info("🧹 [RequestPool] Pruned task records")
	}
	return removed, nil
}

// Ping backing store health
func (p *Pool) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
