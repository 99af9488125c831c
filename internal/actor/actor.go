package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/backends"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/reqpool"
)

const abandonTimeout = 10 * time.Second

// errAbandon the record left work-in-progress under us (cancelled)
var errAbandon = errors.New("task is no longer in progress")

type actor struct {
	s       *Scheduler
	fp      models.Fingerprint
	resume  bool
	kind    models.ProofKind
	backend backends.Backend
	handle  backends.Handle
	started time.Time
	log     *logrus.Entry
}

func newActor(s *Scheduler, fp models.Fingerprint, resume bool) *actor {
	return &actor{
		s:      s,
		fp:     fp,
		resume: resume,
		log: s.logger.WithFields(logrus.Fields{
			"component":   "actor",
			"fingerprint": fp.Short(),
		}),
	}
}

func (a *actor) run(ctx context.Context) {
	a.started = time.Now()

	rec := a.claim(ctx)
	if rec == nil {
		return
	}
	a.kind = rec.Request.ProofKind

	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", r).Error("❌ [Actor] Panic while proving")
			a.fail(ctx, models.NewTaskError(models.ErrorKindInternal, fmt.Errorf("panic: %v", r)))
		}
	}()

	a.drive(ctx, rec)
}

// claim compare-and-set registered -> work in progress, or pick up a
// work-in-progress record on resume. nil means another owner won.
func (a *actor) claim(ctx context.Context) *models.TaskRecord {
	rec, found, err := a.s.pool.Get(ctx, a.fp)
	if err != nil {
		a.log.WithError(err).Error("❌ [Actor] Failed to load task")
		return nil
	}
	if !found {
		return nil
	}

	switch rec.Status {
	case models.TaskStatusRegistered:
		next, err := a.s.pool.UpdateStatus(ctx, a.fp, models.TaskStatusRegistered, reqpool.Transition{
			Status: models.TaskStatusWorkInProgress,
		})
		if errors.Is(err, models.ErrConflict) {
			a.log.Debug("[Actor] Task already claimed")
			return nil
		}
		if err != nil {
			a.log.WithError(err).Error("❌ [Actor] Failed to claim task")
			return nil
		}
		return next
	case models.TaskStatusWorkInProgress:
		if !a.resume {
			return nil
		}
		a.handle = backends.Handle(rec.BackendHandle)
		a.log.WithField("handle", rec.BackendHandle).Info("🔄 [Actor] Resuming task")
		return rec
	}
	return nil
}

func (a *actor) drive(ctx context.Context, rec *models.TaskRecord) {
	if rec.IsAggregate() && len(rec.AggregationMembers) == 1 {
		a.passThrough(ctx, rec)
		return
	}

	kind := rec.AssignedBackend
	if kind == "" {
		resolved, drawn, err := a.s.registry.Resolve(&rec.Request)
		if err != nil {
			a.fail(ctx, models.NewTaskError(models.ErrorKindBackendUnavailable, err))
			return
		}
		if !drawn {
			a.log.Info("🎲 [Actor] No backend drawn, recording not-drawn result")
			a.finish(ctx, models.NotDrawnProof(), "not_drawn")
			return
		}
		kind = resolved
	}
	a.kind = kind

	backend, opts, ok := a.s.registry.Lookup(kind)
	if !ok {
		a.fail(ctx, models.NewTaskError(models.ErrorKindBackendUnavailable, fmt.Errorf("no backend registered for %s", kind)))
		return
	}
	a.backend = backend

	if rec.AssignedBackend == "" {
		if _, err := a.s.pool.UpdateStatus(ctx, a.fp, models.TaskStatusWorkInProgress, reqpool.Transition{
			Status:          models.TaskStatusWorkInProgress,
			AssignedBackend: kind,
		}); err != nil {
			if errors.Is(err, models.ErrConflict) {
				a.abandon()
				return
			}
			a.log.WithError(err).Warn("⚠️ [Actor] Failed to record assigned backend")
		}
	}

	req := &backends.Request{Fingerprint: a.fp, Key: rec.Request, Options: opts}
	if rec.IsAggregate() {
		proofs, failedChild, err := a.childProofs(ctx, rec)
		if err != nil {
			te := models.NewTaskError(models.ErrorKindAggregationMemberFailed, err)
			te.FailedChild = failedChild
			a.fail(ctx, te)
			return
		}
		req.ChildProofs = proofs
	}

	a.log.WithField("backend", kind).Info("🚀 [Actor] Dispatching to backend")
	waitCtx, cancel := context.WithTimeout(ctx, a.s.opts.MaxWait)
	defer cancel()

	start := time.Now()
	proof, err := a.compute(waitCtx, backend, req)
	a.s.observe(kind, time.Since(start))

	switch {
	case err == nil:
		if proof.Backend == "" {
			proof.Backend = kind
		}
		a.finish(ctx, proof, "success")
	case ctx.Err() != nil || errors.Is(err, errAbandon):
		a.abandon()
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		a.cancelBackend(ctx)
		a.fail(ctx, models.NewTaskError(models.ErrorKindTimeout,
			fmt.Errorf("no result after %s", a.s.opts.MaxWait)))
	case backends.IsUnavailable(err):
		a.fail(ctx, models.NewTaskError(models.ErrorKindBackendUnavailable, err))
	default:
		a.fail(ctx, models.NewTaskError(models.ErrorKindComputationFailed, err))
	}
}

// compute submit, poll when asynchronous, and recompute once when a cached
// artifact fails validation
func (a *actor) compute(ctx context.Context, b backends.Backend, req *backends.Request) (*models.Proof, error) {
	for {
		var (
			proof  *models.Proof
			cached bool
		)

		if a.handle == "" {
			sub, err := a.submit(ctx, b, req)
			if err != nil {
				return nil, err
			}
			if sub.Proof != nil {
				proof, cached = sub.Proof, sub.Cached
			} else {
				if sub.Handle == "" {
					return nil, errors.New("backend returned neither a proof nor a handle")
				}
				a.handle = sub.Handle
				if err := a.persistHandle(ctx); err != nil {
					return nil, err
				}
			}
		}

		if proof == nil {
			res, err := a.poll(ctx, b)
			if err != nil {
				return nil, err
			}
			proof, cached = res.Proof, res.Cached
		}

		if !cached {
			return proof, nil
		}
		validator, ok := b.(backends.CacheValidator)
		if !ok {
			return proof, nil
		}
		err := validator.ValidateCached(ctx, req, proof)
		if err == nil {
			return proof, nil
		}

		metrics.CacheIntegrityFailures.WithLabelValues(string(a.kind)).Inc()
		if req.BypassCache {
			return nil, fmt.Errorf("recomputed proof failed validation: %w", err)
		}
		a.log.WithError(err).Warn("⚠️ [Actor] Cached proof failed validation, recomputing")
		req.BypassCache = true
		a.handle = ""
	}
}

func (a *actor) submit(ctx context.Context, b backends.Backend, req *backends.Request) (*backends.Submission, error) {
	for attempt := 0; ; attempt++ {
		sub, err := b.Submit(ctx, req)
		if err == nil {
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !backends.IsUnavailable(err) || attempt >= a.s.opts.MaxRetries {
			return nil, err
		}
		if err := a.retry(ctx, "submit", err); err != nil {
			return nil, err
		}
	}
}

func (a *actor) poll(ctx context.Context, b backends.Backend) (*backends.PollResult, error) {
	failures := 0
	wait := a.s.opts.PollInterval
	for {
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
		wait = a.s.opts.PollInterval

		if err := a.stillOwned(ctx); err != nil {
			return nil, err
		}

		res, err := b.Poll(ctx, a.handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !backends.IsUnavailable(err) || failures >= a.s.opts.MaxRetries {
				return nil, err
			}
			failures++
			if err := a.retry(ctx, "poll", err); err != nil {
				return nil, err
			}
			wait = 0
			continue
		}
		failures = 0

		switch res.State {
		case backends.PollPending:
			a.log.WithField("elapsed", time.Since(a.started).Round(time.Second)).Debug("[Actor] Still waiting on backend")
		case backends.PollSuccess:
			if res.Proof == nil {
				return nil, errors.New("backend reported success without a proof")
			}
			return res, nil
		default:
			if res.Err == nil {
				return nil, errors.New("backend reported failure")
			}
			return nil, res.Err
		}
	}
}

// retry count a transient failure and wait the retry delay
func (a *actor) retry(ctx context.Context, op string, cause error) error {
	metrics.BackendRetries.WithLabelValues(string(a.kind), op).Inc()
	a.log.WithError(cause).WithField("op", op).Warn("⚠️ [Actor] Transient backend error, retrying")

	_, err := a.s.pool.UpdateStatus(ctx, a.fp, models.TaskStatusWorkInProgress, reqpool.Transition{
		Status:         models.TaskStatusWorkInProgress,
		IncrementRetry: true,
	})
	if errors.Is(err, models.ErrConflict) {
		return errAbandon
	}
	return sleep(ctx, a.s.opts.RetryDelay)
}

func (a *actor) persistHandle(ctx context.Context) error {
	_, err := a.s.pool.UpdateStatus(ctx, a.fp, models.TaskStatusWorkInProgress, reqpool.Transition{
		Status:        models.TaskStatusWorkInProgress,
		BackendHandle: string(a.handle),
	})
	if errors.Is(err, models.ErrConflict) {
		return errAbandon
	}
	if err != nil {
		// the remote proof keeps running; only a restart loses track of it
		a.log.WithError(err).Warn("⚠️ [Actor] Failed to persist backend handle")
	}
	return nil
}

// stillOwned re-read the record at a poll point to observe cancellation
func (a *actor) stillOwned(ctx context.Context) error {
	rec, found, err := a.s.pool.Get(ctx, a.fp)
	if err != nil {
		return nil
	}
	if !found || rec.Status != models.TaskStatusWorkInProgress {
		return errAbandon
	}
	return nil
}

func (a *actor) childProofs(ctx context.Context, rec *models.TaskRecord) ([]*models.Proof, models.Fingerprint, error) {
	out := make([]*models.Proof, 0, len(rec.AggregationMembers))
	for _, child := range rec.AggregationMembers {
		c, found, err := a.s.pool.Get(ctx, child)
		if err != nil {
			return nil, child, fmt.Errorf("failed to load child %s: %w", child, err)
		}
		if !found {
			return nil, child, fmt.Errorf("child %s not found", child)
		}
		if c.Status != models.TaskStatusSuccess || c.Result == nil {
			return nil, child, fmt.Errorf("child %s is %s", child, c.Status)
		}
		out = append(out, c.Result)
	}
	return out, "", nil
}

// passThrough a single-member aggregate is the child's proof
func (a *actor) passThrough(ctx context.Context, rec *models.TaskRecord) {
	proofs, failedChild, err := a.childProofs(ctx, rec)
	if err != nil {
		te := models.NewTaskError(models.ErrorKindAggregationMemberFailed, err)
		te.FailedChild = failedChild
		a.fail(ctx, te)
		return
	}
	proof := *proofs[0]
	a.log.Info("📋 [Actor] Single-member aggregate, passing child proof through")
	a.finish(ctx, &proof, "success")
}

func (a *actor) finish(ctx context.Context, proof *models.Proof, outcome string) {
	err := a.update(ctx, reqpool.Transition{Status: models.TaskStatusSuccess, Result: proof})
	if errors.Is(err, models.ErrConflict) {
		a.log.Info("🛑 [Actor] Task left work in progress, result discarded")
		a.abandon()
		return
	}
	if err != nil {
		a.log.WithError(err).Error("❌ [Actor] Failed to record result")
		return
	}
	a.observeOutcome(outcome)
	a.log.WithField("elapsed", time.Since(a.started).Round(time.Millisecond)).Info("✅ [Actor] Task succeeded")
}

func (a *actor) fail(ctx context.Context, te *models.TaskError) {
	err := a.update(ctx, reqpool.Transition{Status: models.TaskStatusFailed, Error: te})
	if errors.Is(err, models.ErrConflict) {
		a.abandon()
		return
	}
	if err != nil {
		a.log.WithError(err).Error("❌ [Actor] Failed to record failure")
		return
	}
	a.observeOutcome(string(te.Kind))
}

// update write from work in progress, retrying while the store is unavailable
func (a *actor) update(ctx context.Context, t reqpool.Transition) error {
	for attempt := 0; ; attempt++ {
		_, err := a.s.pool.UpdateStatus(ctx, a.fp, models.TaskStatusWorkInProgress, t)
		if err == nil || !errors.Is(err, models.ErrStoreUnavailable) || attempt >= a.s.opts.MaxRetries {
			return err
		}
		if sleep(ctx, a.s.opts.RetryDelay) != nil {
			return err
		}
	}
}

// abandon the actor stops without writing. When the record was cancelled the
// backend is told, best effort.
func (a *actor) abandon() {
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()

	rec, found, err := a.s.pool.Get(ctx, a.fp)
	if err != nil || !found {
		return
	}
	if rec.Status == models.TaskStatusCancelled {
		a.cancelBackend(ctx)
		a.observeOutcome("cancelled")
		a.log.Info("🛑 [Actor] Task cancelled, stopped waiting on backend")
		return
	}
	if a.s.stopping() {
		a.log.WithField("status", rec.Status).Info("🛑 [Actor] Shutting down, task left for recovery")
	}
}

func (a *actor) cancelBackend(ctx context.Context) {
	if a.backend == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), abandonTimeout)
		defer cancel()
	}
	err := a.backend.Cancel(ctx, a.handle)
	switch {
	case err == nil:
	case errors.Is(err, backends.ErrCancelUnsupported):
		a.log.Info("[Actor] Backend cannot cancel, in-flight computation will finish unobserved")
	default:
		a.log.WithError(err).Warn("⚠️ [Actor] Backend cancel failed")
	}
}

func (a *actor) observeOutcome(outcome string) {
	metrics.ProveDuration.WithLabelValues(string(a.kind), outcome).Observe(time.Since(a.started).Seconds())
}

// sleep timed suspension; returns early with ctx's error
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
