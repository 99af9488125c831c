package reqpool

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proof-orchestrator/internal/events"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/store"
)

func newTestPool(t *testing.T) (*Pool, *events.Hub) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hub := events.NewHub(logger)
	return New(store.NewMemoryStore(), hub, logger), hub
}

func nativeKey(block uint64) models.RequestKey {
	return models.RequestKey{
		ProofKind: models.ProofKindNative,
		Scope:     models.BlockScope(block, common.Hash{}),
		Network:   "testnet",
		L1Network: "holesky",
	}
}

func TestRegisterOrAttachSingleFlight(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	const n = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fps   = map[models.Fingerprint]int{}
		fresh int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fp, rec, isNew, err := pool.RegisterOrAttach(ctx, nativeKey(100))
			assert.NoError(t, err)
			assert.Equal(t, models.TaskStatusRegistered, rec.Status)
			mu.Lock()
			fps[fp]++
			if isNew {
				fresh++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, fps, 1)
	assert.Equal(t, 1, fresh)
}

func TestRegisterOrAttachSecondCallAttaches(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	fp1, _, isNew1, err := pool.RegisterOrAttach(ctx, nativeKey(100))
	require.NoError(t, err)
	fp2, _, isNew2, err := pool.RegisterOrAttach(ctx, nativeKey(100))
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.True(t, isNew1)
	assert.False(t, isNew2)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	pool, _ := newTestPool(t)
	key := nativeKey(1)
	key.Network = ""

	_, _, _, err := pool.RegisterOrAttach(context.Background(), key)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, _, _, err = pool.RegisterAggregate(context.Background(), models.ProofKindSP1, "testnet", "holesky", common.Address{}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	pool, hub := newTestPool(t)
	ctx := context.Background()
	sub, cancel := hub.Subscribe(8)
	defer cancel()

	fp, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(7))
	require.NoError(t, err)

	rec, err := pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{
		Status:          models.TaskStatusWorkInProgress,
		AssignedBackend: models.ProofKindNative,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusWorkInProgress, rec.Status)

	// a racing claimer loses
	_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{Status: models.TaskStatusWorkInProgress})
	assert.ErrorIs(t, err, models.ErrConflict)

	rec, err = pool.UpdateStatus(ctx, fp, models.TaskStatusWorkInProgress, Transition{
		Status:         models.TaskStatusWorkInProgress,
		BackendHandle:  "proof-123",
		IncrementRetry: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "proof-123", rec.BackendHandle)
	assert.Equal(t, 1, rec.RetryCount)

	rec, err = pool.UpdateStatus(ctx, fp, models.TaskStatusWorkInProgress, Transition{
		Status: models.TaskStatusSuccess,
		Result: &models.Proof{Proof: []byte{0xaa}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "proof-123", rec.BackendHandle)

	// terminal never changes
	_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusSuccess, Transition{Status: models.TaskStatusCancelled})
	assert.Error(t, err)
	_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusWorkInProgress, Transition{Status: models.TaskStatusCancelled})
	assert.ErrorIs(t, err, models.ErrConflict)

	got, found, err := pool.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.TaskStatusSuccess, got.Status)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	var seen []models.TaskStatus
	for len(sub) > 0 {
		seen = append(seen, (<-sub).To)
	}
	assert.Equal(t, []models.TaskStatus{
		models.TaskStatusRegistered,
		models.TaskStatusWorkInProgress,
		models.TaskStatusSuccess,
	}, seen)
}

// interleavingStore runs beforeSwap once, ahead of the first swap to target
type interleavingStore struct {
	store.Store
	target     models.TaskStatus
	once       sync.Once
	beforeSwap func()
}

func (s *interleavingStore) CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error {
	if next.Status == s.target {
		s.once.Do(s.beforeSwap)
	}
	return s.Store.CompareAndSwap(ctx, fp, expected, revision, next)
}

func TestUpdateStatusKeepsConcurrentInPlaceWrite(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &interleavingStore{Store: store.NewMemoryStore(), target: models.TaskStatusCancelled}
	pool := New(s, nil, logger)
	ctx := context.Background()

	fp, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(11))
	require.NoError(t, err)
	_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{Status: models.TaskStatusWorkInProgress})
	require.NoError(t, err)

	// the actor records a retry after cancel has read the record
	s.beforeSwap = func() {
		_, err := pool.UpdateStatus(ctx, fp, models.TaskStatusWorkInProgress, Transition{
			Status:         models.TaskStatusWorkInProgress,
			BackendHandle:  "proof-123",
			IncrementRetry: true,
		})
		require.NoError(t, err)
	}

	rec, err := pool.UpdateStatus(ctx, fp, models.TaskStatusWorkInProgress, Transition{Status: models.TaskStatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "proof-123", rec.BackendHandle)

	got, found, err := pool.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "proof-123", got.BackendHandle)
	assert.Equal(t, uint64(3), got.Revision)
}

func TestUpdateStatusRequiresPayload(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	fp, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(8))
	require.NoError(t, err)

	_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{Status: models.TaskStatusFailed})
	assert.Error(t, err)
	_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{Status: models.TaskStatusSuccess})
	assert.Error(t, err)
}

func TestUpdatedAtIsMonotonic(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	fp, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(9))
	require.NoError(t, err)

	// clock goes backwards
	pool.now = func() time.Time { return time.Unix(0, 0).UTC() }
	rec, err := pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{Status: models.TaskStatusWorkInProgress})
	require.NoError(t, err)
	assert.False(t, rec.UpdatedAt.Before(rec.CreatedAt))
}

func TestGetUnknown(t *testing.T) {
	pool, _ := newTestPool(t)
	_, found, err := pool.Get(context.Background(), nativeKey(1).Fingerprint())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListFiltersAndResumes(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	for i := uint64(0); i < 10; i++ {
		fp, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(i))
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = pool.UpdateStatus(ctx, fp, models.TaskStatusRegistered, Transition{Status: models.TaskStatusCancelled})
			require.NoError(t, err)
		}
	}

	all, err := pool.List(Filter{PageSize: 3}).Collect(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	cancelled, err := pool.List(Filter{Statuses: []models.TaskStatus{models.TaskStatusCancelled}, PageSize: 4}).Collect(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, cancelled, 5)

	it := pool.List(Filter{PageSize: 2})
	first, err := it.Collect(ctx, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)

	rest, err := pool.List(Filter{PageSize: 2, Cursor: it.Cursor()}).Collect(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 6)
	assert.Equal(t, all[4].Fingerprint, rest[0].Fingerprint)

	wrongBackend, err := pool.List(Filter{Backend: models.ProofKindSP1}).Collect(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, wrongBackend)
}

func TestPrune(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	base := time.Now().UTC()
	pool.now = func() time.Time { return base.Add(-2 * time.Hour) }

	oldDone, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(1))
	require.NoError(t, err)
	_, err = pool.UpdateStatus(ctx, oldDone, models.TaskStatusRegistered, Transition{Status: models.TaskStatusCancelled})
	require.NoError(t, err)

	oldPending, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(2))
	require.NoError(t, err)

	pool.now = func() time.Time { return base }
	fresh, _, _, err := pool.RegisterOrAttach(ctx, nativeKey(3))
	require.NoError(t, err)
	_, err = pool.UpdateStatus(ctx, fresh, models.TaskStatusRegistered, Transition{Status: models.TaskStatusCancelled})
	require.NoError(t, err)

	removed, err := pool.Prune(ctx, time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// idempotent
	removed, err = pool.Prune(ctx, time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, found, _ := pool.Get(ctx, oldPending)
	assert.True(t, found)
	_, found, _ = pool.Get(ctx, fresh)
	assert.True(t, found)

	removed, err = pool.Prune(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, found, _ = pool.Get(ctx, oldPending)
	assert.False(t, found)
}
