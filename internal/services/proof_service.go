package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/aggregation"
	"proof-orchestrator/internal/backends"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/reqpool"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	cancelAttempts   = 3
)

// Dispatcher starts and signals actors
type Dispatcher interface {
	Spawn(fp models.Fingerprint) bool
	Signal(fp models.Fingerprint) bool
}

// Aggregator registers aggregation sets
type Aggregator interface {
	Submit(ctx context.Context, children []models.RequestKey, p aggregation.Params) (*aggregation.Result, error)
}

// SubmitResult outcome of a submission
type SubmitResult struct {
	Fingerprint models.Fingerprint   `json:"fingerprint"`
	Status      models.TaskStatus    `json:"status"`
	IsNew       bool                 `json:"is_new"`
	Children    []models.Fingerprint `json:"children,omitempty"`
}

// CancelResult outcome of a cancellation request
type CancelResult struct {
	Accepted bool              `json:"accepted"`
	Status   models.TaskStatus `json:"status"`
	Message  string            `json:"message"`
}

// ListQuery reporting filter
type ListQuery struct {
	Statuses  []models.TaskStatus
	Backend   models.ProofKind
	OlderThan time.Duration
	Cursor    models.Fingerprint
	Limit     int
}

// ListPage one page of records; NextCursor is empty once the walk is done
type ListPage struct {
	Records    []*models.TaskRecord `json:"records"`
	NextCursor models.Fingerprint   `json:"next_cursor,omitempty"`
}

// ProofService the orchestration API consumed by the transport layer
type ProofService struct {
	pool       *reqpool.Pool
	dispatcher Dispatcher
	aggregator Aggregator
	ballot     *backends.Ballot
	logger     *logrus.Logger
}

// NewProofService create proof service; ballot may be nil when auto-select is
// not configured
func NewProofService(pool *reqpool.Pool, dispatcher Dispatcher, aggregator Aggregator, ballot *backends.Ballot, logger *logrus.Logger) *ProofService {
	return &ProofService{
		pool:       pool,
		dispatcher: dispatcher,
		aggregator: aggregator,
		ballot:     ballot,
		logger:     logger,
	}
}

// Submit register key and start an actor when it is new. Resubmitting a key
// that is already known returns its current status.
func (s *ProofService) Submit(ctx context.Context, key models.RequestKey) (*SubmitResult, error) {
	if key.Aggregation {
		return nil, fmt.Errorf("%w: aggregate requests go through the aggregation endpoint", models.ErrInvalidRequest)
	}

	fp, rec, isNew, err := s.pool.RegisterOrAttach(ctx, key)
	if err != nil {
		return nil, err
	}
	if isNew {
		s.dispatcher.Spawn(fp)
	}

	s.logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"proof_kind":  key.ProofKind,
		"status":      rec.Status,
		"is_new":      isNew,
	}).Info("📥 [ProofService] Proof request submitted")

	return &SubmitResult{Fingerprint: fp, Status: rec.Status, IsNew: isNew}, nil
}

// SubmitAggregate register an ordered aggregation set
func (s *ProofService) SubmitAggregate(ctx context.Context, children []models.RequestKey, p aggregation.Params) (*SubmitResult, error) {
	res, err := s.aggregator.Submit(ctx, children, p)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		Fingerprint: res.Fingerprint,
		Status:      res.Record.Status,
		IsNew:       res.IsNew,
		Children:    res.Children,
	}, nil
}

// Status current record for fp
func (s *ProofService) Status(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error) {
	if !fp.Valid() {
		return nil, fmt.Errorf("%w: malformed fingerprint %q", models.ErrInvalidRequest, fp)
	}
	fp = fp.Normalize()
	rec, found, err := s.pool.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrNotFound
	}
	return rec, nil
}

// Cancel move a registered or in-flight task to cancelled. A task that is
// already terminal is left untouched and reported as too late.
func (s *ProofService) Cancel(ctx context.Context, fp models.Fingerprint) (*CancelResult, error) {
	if !fp.Valid() {
		return nil, fmt.Errorf("%w: malformed fingerprint %q", models.ErrInvalidRequest, fp)
	}
	fp = fp.Normalize()

	for attempt := 0; attempt < cancelAttempts; attempt++ {
		rec, found, err := s.pool.Get(ctx, fp)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, models.ErrNotFound
		}
		if rec.Status.IsTerminal() {
			return &CancelResult{
				Accepted: false,
				Status:   rec.Status,
				Message:  fmt.Sprintf("too late: task is already %s", rec.Status),
			}, nil
		}

		updated, err := s.pool.UpdateStatus(ctx, fp, rec.Status, reqpool.Transition{Status: models.TaskStatusCancelled})
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		signalled := s.dispatcher.Signal(fp)
		s.logger.WithFields(logrus.Fields{
			"fingerprint": fp,
			"from":        rec.Status,
			"signalled":   signalled,
		}).Info("🛑 [ProofService] Task cancelled")
		return &CancelResult{Accepted: true, Status: updated.Status, Message: "cancelled"}, nil
	}

	rec, err := s.Status(ctx, fp)
	if err != nil {
		return nil, err
	}
	return &CancelResult{
		Accepted: false,
		Status:   rec.Status,
		Message:  fmt.Sprintf("too late: task is %s", rec.Status),
	}, nil
}

// List one page of records matching q
func (s *ProofService) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	filter := reqpool.Filter{
		Statuses: q.Statuses,
		Backend:  q.Backend,
		Cursor:   q.Cursor,
	}
	if q.OlderThan > 0 {
		filter.UpdatedBefore = time.Now().UTC().Add(-q.OlderThan)
	}

	it := s.pool.List(filter)
	records, err := it.Collect(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	page := &ListPage{Records: records}
	if page.Records == nil {
		page.Records = []*models.TaskRecord{}
	}
	if len(records) == limit && it.More() {
		page.NextCursor = it.Cursor()
	}
	return page, nil
}

// Prune remove records last updated before olderThan
func (s *ProofService) Prune(ctx context.Context, olderThan time.Duration, terminalOnly bool) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: negative retention %s", models.ErrInvalidRequest, olderThan)
	}
	return s.pool.Prune(ctx, olderThan, terminalOnly)
}

// BallotEntries current auto-select policy
func (s *ProofService) BallotEntries() (map[models.ProofKind]backends.BallotEntry, error) {
	if s.ballot == nil {
		return nil, ErrBallotDisabled
	}
	return s.ballot.Entries(), nil
}

// UpdateBallot replace the auto-select policy
func (s *ProofService) UpdateBallot(entries map[models.ProofKind]backends.BallotEntry) error {
	if s.ballot == nil {
		return ErrBallotDisabled
	}
	if err := s.ballot.Update(entries); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	metrics.BallotProbability.Reset()
	for kind, e := range entries {
		metrics.BallotProbability.WithLabelValues(string(kind)).Set(e.Probability)
	}
	s.logger.WithField("entries", len(entries)).Info("🎲 [ProofService] Ballot updated")
	return nil
}

// ErrBallotDisabled auto-select has no ballot configured
var ErrBallotDisabled = errors.New("ballot is not configured")
