// Package aggregation gates aggregate tasks on their children. An aggregate
// stays registered until every child succeeds, then it is handed to an
// actor like any other task; a failed or cancelled child fails it.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/events"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/reqpool"
)

// Spawner starts the actor for a registered task
type Spawner interface {
	Spawn(fp models.Fingerprint) bool
}

// Params aggregate-specific parameters. Empty fields are taken from the
// first child.
type Params struct {
	ProofKind  models.ProofKind
	Network    string
	L1Network  string
	Prover     common.Address
	ProverArgs map[string]interface{}
}

// Result outcome of Submit
type Result struct {
	Fingerprint models.Fingerprint
	Record      *models.TaskRecord
	IsNew       bool
	Children    []models.Fingerprint
}

// Coordinator aggregate gating
type Coordinator struct {
	pool         *reqpool.Pool
	hub          *events.Hub
	spawner      Spawner
	pollInterval time.Duration
	logger       *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watching map[models.Fingerprint]struct{}
}

// NewCoordinator create coordinator; hub may be nil, in which case children
// are only re-checked on the poll cadence
func NewCoordinator(pool *reqpool.Pool, hub *events.Hub, spawner Spawner, pollInterval time.Duration, logger *logrus.Logger) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		pool:         pool,
		hub:          hub,
		spawner:      spawner,
		pollInterval: pollInterval,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		watching:     make(map[models.Fingerprint]struct{}),
	}
}

// Submit register every child (spawning actors for new ones), then the
// aggregate over the ordered child fingerprints
func (c *Coordinator) Submit(ctx context.Context, children []models.RequestKey, p Params) (*Result, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: empty aggregation set", models.ErrInvalidRequest)
	}

	kind := p.ProofKind
	if kind == "" {
		kind = children[0].ProofKind
	}
	if !kind.IsConcrete() {
		return nil, fmt.Errorf("%w: aggregation requires a concrete proof kind, got %q", models.ErrInvalidRequest, kind)
	}
	for i := range children {
		if err := children[i].Validate(); err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		if children[i].ProofKind != kind {
			return nil, fmt.Errorf("%w: child %d has proof kind %s, aggregate is %s",
				models.ErrInvalidRequest, i, children[i].ProofKind, kind)
		}
	}

	fps := make([]models.Fingerprint, 0, len(children))
	for i := range children {
		fp, _, isNew, err := c.pool.RegisterOrAttach(ctx, children[i])
		if err != nil {
			return nil, fmt.Errorf("failed to register child %d: %w", i, err)
		}
		if isNew && c.spawner != nil {
			c.spawner.Spawn(fp)
		}
		fps = append(fps, fp)
	}

	network, l1 := p.Network, p.L1Network
	if network == "" {
		network = children[0].Network
	}
	if l1 == "" {
		l1 = children[0].L1Network
	}
	key := models.NewAggregateKey(kind, network, l1, p.Prover, fps)
	key.ProverArgs = p.ProverArgs

	fp, rec, isNew, err := c.pool.RegisterOrAttach(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.TaskStatusRegistered {
		c.watch(fp)
	}

	c.logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"children":    len(fps),
		"is_new":      isNew,
	}).Info("📋 [Aggregation] Aggregate submitted")

	return &Result{Fingerprint: fp, Record: rec, IsNew: isNew, Children: fps}, nil
}

// Recover resume gating for every registered aggregate
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	aggregate := true
	it := c.pool.List(reqpool.Filter{
		Statuses:  []models.TaskStatus{models.TaskStatusRegistered},
		Aggregate: &aggregate,
	})
	n := 0
	for {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return n, fmt.Errorf("failed to scan aggregates: %w", err)
		}
		if !ok {
			break
		}
		if c.watch(rec.Fingerprint) {
			n++
		}
	}
	if n > 0 {
		c.logger.WithField("aggregates", n).Info("🔄 [Aggregation] Resumed gating")
	}
	return n, nil
}

// Watching aggregates currently gated by this coordinator
func (c *Coordinator) Watching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watching)
}

// Stop end every watcher
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) watch(fp models.Fingerprint) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.watching[fp]; ok {
		c.mu.Unlock()
		return false
	}
	c.watching[fp] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.watching, fp)
			c.mu.Unlock()
		}()
		c.gate(fp)
	}()
	return true
}

// gate re-check on every relevant status event and on the poll cadence
func (c *Coordinator) gate(fp models.Fingerprint) {
	var (
		updates <-chan events.StatusEvent
		unsub   = func() {}
	)
	if c.hub != nil {
		updates, unsub = c.hub.Subscribe(64)
	}
	defer unsub()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var members map[models.Fingerprint]struct{}
	for {
		done, m := c.check(fp)
		if done {
			return
		}
		if members == nil && m != nil {
			members = m
		}

		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if _, relevant := members[ev.Fingerprint]; !relevant && ev.Fingerprint != fp {
				continue
			}
		}
	}
}

// check one gating pass. done is true once the aggregate left registered or
// was handed to an actor.
func (c *Coordinator) check(fp models.Fingerprint) (bool, map[models.Fingerprint]struct{}) {
	ctx := c.ctx
	rec, found, err := c.pool.Get(ctx, fp)
	if err != nil {
		c.logger.WithError(err).WithField("fingerprint", fp).Warn("⚠️ [Aggregation] Failed to load aggregate")
		return false, nil
	}
	if !found || rec.Status != models.TaskStatusRegistered {
		return true, nil
	}

	members := make(map[models.Fingerprint]struct{}, len(rec.AggregationMembers))
	var (
		pending     bool
		failedChild models.Fingerprint
		reason      string
	)
	for _, child := range rec.AggregationMembers {
		members[child] = struct{}{}
		if failedChild != "" {
			continue
		}
		cr, found, err := c.pool.Get(ctx, child)
		if err != nil {
			return false, members
		}
		switch {
		case !found:
			failedChild, reason = child, "not found"
		case cr.Status == models.TaskStatusFailed || cr.Status == models.TaskStatusCancelled:
			failedChild, reason = child, string(cr.Status)
		case cr.Status != models.TaskStatusSuccess:
			pending = true
		}
	}

	if failedChild != "" {
		_, err := c.pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, reqpool.Transition{
			Status: models.TaskStatusFailed,
			Error: &models.TaskError{
				Kind:        models.ErrorKindAggregationMemberFailed,
				Message:     fmt.Sprintf("child %s is %s", failedChild, reason),
				FailedChild: failedChild,
			},
		})
		switch {
		case err == nil:
			metrics.AggregationOutcomes.WithLabelValues("member_failed").Inc()
			return true, members
		case errors.Is(err, models.ErrConflict):
			return true, members
		}
		c.logger.WithError(err).WithField("fingerprint", fp).Warn("⚠️ [Aggregation] Failed to fail aggregate")
		return false, members
	}
	if pending {
		return false, members
	}

	metrics.AggregationOutcomes.WithLabelValues("released").Inc()
	c.logger.WithField("fingerprint", fp).Info("✅ [Aggregation] All children succeeded, dispatching aggregate")
	if c.spawner != nil {
		c.spawner.Spawn(fp)
	}
	return true, members
}
