package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/db"
	"proof-orchestrator/internal/models"
)

// StoreTestSuite behaviour every driver must share
type StoreTestSuite struct {
	suite.Suite
	open  func(t *testing.T) Store
	store Store
	ctx   context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open(s.T())
}

func (s *StoreTestSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func testRecord(block uint64) *models.TaskRecord {
	key := models.RequestKey{
		ProofKind: models.ProofKindNative,
		Scope:     models.BlockScope(block, common.BigToHash(common.Big1)),
		Network:   "testnet",
		L1Network: "holesky",
	}
	return models.NewTaskRecord(key, time.Now().UTC().Truncate(time.Millisecond))
}

func (s *StoreTestSuite) TestInsertIfAbsent() {
	rec := testRecord(1)

	stored, inserted, err := s.store.Insert(s.ctx, rec)
	s.Require().NoError(err)
	s.True(inserted)
	s.Equal(rec.Fingerprint, stored.Fingerprint)

	dup := rec.Clone()
	dup.RetryCount = 9
	stored, inserted, err = s.store.Insert(s.ctx, dup)
	s.Require().NoError(err)
	s.False(inserted)
	s.Equal(0, stored.RetryCount)
	s.Equal(models.TaskStatusRegistered, stored.Status)
}

func (s *StoreTestSuite) TestConcurrentInsertOnlyOneWins() {
	rec := testRecord(2)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := s.store.Insert(s.ctx, rec.Clone())
			s.NoError(err)
			if inserted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, wins)
}

func (s *StoreTestSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, testRecord(3).Fingerprint)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *StoreTestSuite) TestCompareAndSwap() {
	rec := testRecord(4)
	_, _, err := s.store.Insert(s.ctx, rec)
	s.Require().NoError(err)

	next := rec.Clone()
	next.Status = models.TaskStatusWorkInProgress
	next.AssignedBackend = models.ProofKindNative
	next.Revision = 1
	s.Require().NoError(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusRegistered, 0, next))

	// stale expectation loses
	again := rec.Clone()
	again.Status = models.TaskStatusCancelled
	s.ErrorIs(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusRegistered, 0, again), models.ErrConflict)

	done := next.Clone()
	done.Status = models.TaskStatusSuccess
	done.Result = &models.Proof{Proof: []byte{1, 2, 3}, Backend: models.ProofKindNative}
	done.Revision = 2
	s.Require().NoError(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusWorkInProgress, 1, done))

	got, err := s.store.Get(s.ctx, rec.Fingerprint)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusSuccess, got.Status)
	s.Require().NotNil(got.Result)
	s.Equal([]byte{1, 2, 3}, []byte(got.Result.Proof))
	s.Equal(models.ProofKindNative, got.AssignedBackend)
	s.Equal(uint64(2), got.Revision)
	s.Nil(got.Error)

	missing := testRecord(5)
	s.ErrorIs(s.store.CompareAndSwap(s.ctx, missing.Fingerprint, models.TaskStatusRegistered, 0, missing), models.ErrNotFound)
}

func (s *StoreTestSuite) TestCompareAndSwapRejectsStaleRevision() {
	rec := testRecord(7)
	_, _, err := s.store.Insert(s.ctx, rec)
	s.Require().NoError(err)

	wip := rec.Clone()
	wip.Status = models.TaskStatusWorkInProgress
	wip.Revision = 1
	s.Require().NoError(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusRegistered, 0, wip))

	retried := wip.Clone()
	retried.RetryCount = 1
	retried.BackendHandle = "proof-123"
	retried.Revision = 2
	s.Require().NoError(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusWorkInProgress, 1, retried))

	// same status, but built from revision 1
	stale := wip.Clone()
	stale.Status = models.TaskStatusCancelled
	stale.Revision = 2
	s.ErrorIs(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusWorkInProgress, 1, stale), models.ErrConflict)

	got, err := s.store.Get(s.ctx, rec.Fingerprint)
	s.Require().NoError(err)
	s.Equal(models.TaskStatusWorkInProgress, got.Status)
	s.Equal(1, got.RetryCount)
	s.Equal("proof-123", got.BackendHandle)
}

func (s *StoreTestSuite) TestFailedPayloadRoundTrip() {
	rec := testRecord(6)
	_, _, err := s.store.Insert(s.ctx, rec)
	s.Require().NoError(err)

	failed := rec.Clone()
	failed.Status = models.TaskStatusFailed
	failed.Error = &models.TaskError{Kind: models.ErrorKindAggregationMemberFailed, Message: "boom", FailedChild: "0x01"}
	failed.Revision = 1
	s.Require().NoError(s.store.CompareAndSwap(s.ctx, rec.Fingerprint, models.TaskStatusRegistered, 0, failed))

	got, err := s.store.Get(s.ctx, rec.Fingerprint)
	s.Require().NoError(err)
	s.Require().NotNil(got.Error)
	s.Equal(models.ErrorKindAggregationMemberFailed, got.Error.Kind)
	s.Equal(models.Fingerprint("0x01"), got.Error.FailedChild)
	s.Nil(got.Result)
}

func (s *StoreTestSuite) TestScanPagesInOrder() {
	for i := uint64(10); i < 17; i++ {
		_, _, err := s.store.Insert(s.ctx, testRecord(i))
		s.Require().NoError(err)
	}

	var (
		seen  []models.Fingerprint
		after models.Fingerprint
	)
	for {
		page, err := s.store.Scan(s.ctx, after, 3)
		s.Require().NoError(err)
		if len(page) == 0 {
			break
		}
		s.LessOrEqual(len(page), 3)
		for _, rec := range page {
			seen = append(seen, rec.Fingerprint)
		}
		after = page[len(page)-1].Fingerprint
	}

	s.Len(seen, 7)
	for i := 1; i < len(seen); i++ {
		s.Less(string(seen[i-1]), string(seen[i]))
	}
}

func (s *StoreTestSuite) TestDeleteIsIdempotent() {
	rec := testRecord(20)
	_, _, err := s.store.Insert(s.ctx, rec)
	s.Require().NoError(err)

	existed, err := s.store.Delete(s.ctx, rec.Fingerprint)
	s.Require().NoError(err)
	s.True(existed)

	existed, err = s.store.Delete(s.ctx, rec.Fingerprint)
	s.Require().NoError(err)
	s.False(existed)

	page, err := s.store.Scan(s.ctx, "", 0)
	s.Require().NoError(err)
	for _, r := range page {
		s.NotEqual(rec.Fingerprint, r.Fingerprint)
	}
}

func (s *StoreTestSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{open: func(t *testing.T) Store {
		return Instrument(NewMemoryStore(), "memory")
	}})
}

func TestBoltStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{open: func(t *testing.T) Store {
		s, err := NewBoltStore(config.BoltConfig{Path: filepath.Join(t.TempDir(), "nested", "tasks.db")})
		require.NoError(t, err)
		return s
	}})
}

func TestBoltStoreReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := NewBoltStore(config.BoltConfig{Path: path})
	require.NoError(t, err)

	rec := testRecord(30)
	_, _, err = s.Insert(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBoltStore(config.BoltConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(context.Background(), rec.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, rec.Request.Fingerprint(), got.Request.Fingerprint())
}

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("PROVER_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set PROVER_REDIS_ADDR_INTEGRATION to run redis store integration tests")
	}
	suite.Run(t, &StoreTestSuite{open: func(t *testing.T) Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		// fresh prefix per test so runs never see each other's records
		return NewRedisStoreWithClient(client, fmt.Sprintf("prover-test-%s", uuid.NewString()), time.Hour)
	}})
}

func TestRedisExpiryOnlyForTerminal(t *testing.T) {
	s := &RedisStore{ttl: time.Hour}
	assert.Zero(t, s.expiry(models.TaskStatusRegistered))
	assert.Zero(t, s.expiry(models.TaskStatusWorkInProgress))
	assert.Equal(t, time.Hour, s.expiry(models.TaskStatusSuccess))
	assert.Equal(t, time.Hour, s.expiry(models.TaskStatusFailed))
	assert.Equal(t, time.Hour, s.expiry(models.TaskStatusCancelled))

	assert.Zero(t, (&RedisStore{}).expiry(models.TaskStatusSuccess))
}

func TestRedisTTLStartsAtTerminalIntegration(t *testing.T) {
	addr := os.Getenv("PROVER_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set PROVER_REDIS_ADDR_INTEGRATION to run redis store integration tests")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisStoreWithClient(client, fmt.Sprintf("prover-test-%s", uuid.NewString()), time.Hour)
	defer s.Close()

	rec := testRecord(40)
	_, _, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	ttl, err := client.TTL(ctx, s.recordKey(rec.Fingerprint)).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	cancelled := rec.Clone()
	cancelled.Status = models.TaskStatusCancelled
	cancelled.Revision = 1
	require.NoError(t, s.CompareAndSwap(ctx, rec.Fingerprint, models.TaskStatusRegistered, 0, cancelled))
	ttl, err = client.TTL(ctx, s.recordKey(rec.Fingerprint)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("PROVER_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set PROVER_POSTGRES_DSN_INTEGRATION to run postgres store integration tests")
	}
	suite.Run(t, &StoreTestSuite{open: func(t *testing.T) Store {
		gdb, err := db.Open(config.PostgresConfig{DSN: dsn, DriverName: "postgres"})
		require.NoError(t, err)
		require.NoError(t, gdb.Exec("DELETE FROM task_records").Error)
		return NewGormStore(gdb)
	}})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite"})
	require.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(interface{ Unwrap() Store })
	require.True(t, ok)
}
