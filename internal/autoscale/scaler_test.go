package autoscale

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/models"
)

type fixedQueue int

func (q fixedQueue) QueueDepth() int { return int(q) }

type fakeScalerService struct {
	mu      sync.Mutex
	desired int
	posts   []int
	apiKey  string
}

func (f *fakeScalerService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey = r.Header.Get("x-api-key")
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(clients.ScalerStatus{Desired: f.desired, Current: f.desired})
	case http.MethodPost:
		var n int
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.desired = n
		f.posts = append(f.posts, n)
	}
}

func cfg() config.AutoscaleConfig {
	return config.AutoscaleConfig{MinWorkers: 1, MaxWorkers: 5, TasksPerWorker: 4, LatencyThreshold: 60}
}

func TestDesiredClampsToBounds(t *testing.T) {
	cases := []struct {
		depth int
		want  int
	}{
		{0, 1},
		{1, 1},
		{4, 1},
		{5, 2},
		{16, 4},
		{100, 5},
	}
	for _, c := range cases {
		s := NewScaler(cfg(), fixedQueue(c.depth), nil)
		assert.Equal(t, c.want, s.Desired(), "depth %d", c.depth)
	}
}

func TestHighLatencyAddsWorker(t *testing.T) {
	s := NewScaler(cfg(), fixedQueue(8), nil)
	assert.Equal(t, 2, s.Desired())

	for i := 0; i < 40; i++ {
		s.ObserveLatency(models.ProofKindSP1, 2*time.Minute)
	}
	assert.Equal(t, 2*time.Minute, s.AverageLatency())
	assert.Equal(t, 3, s.Desired())
}

func TestTickPostsOnlyOnChange(t *testing.T) {
	svc := &fakeScalerService{desired: 1}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	s := NewScaler(cfg(), fixedQueue(9), clients.NewScalerClient(srv.URL, "k"))
	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []int{3}, svc.posts)
	assert.Equal(t, "k", svc.apiKey)
}

func TestTickReportsScalerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewScaler(cfg(), fixedQueue(1), clients.NewScalerClient(srv.URL, ""))
	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, clients.IsTemporary(err))
}
