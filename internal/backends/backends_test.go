package backends

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/models"
)

func blockKey(kind models.ProofKind, n uint64) models.RequestKey {
	return models.RequestKey{
		ProofKind: kind,
		Scope:     models.BlockScope(n, common.Hash{}),
		Network:   "testnet",
		L1Network: "holesky",
	}
}

func TestNativeBackendDeterministic(t *testing.T) {
	b := NewNativeBackend()
	key := blockKey(models.ProofKindNative, 100)
	req := &Request{Fingerprint: key.Fingerprint(), Key: key}

	s1, err := b.Submit(context.Background(), req)
	require.NoError(t, err)
	s2, err := b.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, s1.Proof)
	assert.Empty(t, s1.Handle)
	assert.Equal(t, s1.Proof.Input, s2.Proof.Input)
	assert.Equal(t, crypto.Keccak256Hash(key.CanonicalBytes()), s1.Proof.Input)
}

func TestNativeBackendAggregate(t *testing.T) {
	b := NewNativeBackend()
	c1, c2 := blockKey(models.ProofKindNative, 1), blockKey(models.ProofKindNative, 2)
	key := models.NewAggregateKey(models.ProofKindNative, "testnet", "holesky", common.Address{},
		[]models.Fingerprint{c1.Fingerprint(), c2.Fingerprint()})

	in1, in2 := common.HexToHash("0x01"), common.HexToHash("0x02")
	s, err := b.Submit(context.Background(), &Request{
		Key:         key,
		ChildProofs: []*models.Proof{{Input: in1}, {Input: in2}},
	})
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(in1.Bytes(), in2.Bytes()), s.Proof.Input)

	_, err = b.Submit(context.Background(), &Request{Key: key})
	assert.Error(t, err)
}

func signedEnclaveProof(t *testing.T, id uint32, input common.Hash) ([]byte, common.Address) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	sig, err := crypto.Sign(input.Bytes(), priv)
	require.NoError(t, err)
	return EncodeEnclaveProof(id, addr, sig), addr
}

func TestVerifyEnclaveProof(t *testing.T) {
	input := crypto.Keccak256Hash([]byte("block 100"))
	raw, addr := signedEnclaveProof(t, 7, input)

	ok := &models.Proof{Proof: raw, Input: input}
	assert.NoError(t, VerifyEnclaveProof(ok, 7, addr))
	assert.NoError(t, VerifyEnclaveProof(ok, 7, common.Address{}))

	// v encoded as 27/28
	legacy := append([]byte(nil), raw...)
	legacy[len(legacy)-1] += 27
	assert.NoError(t, VerifyEnclaveProof(&models.Proof{Proof: legacy, Input: input}, 7, addr))

	assert.Error(t, VerifyEnclaveProof(ok, 8, addr), "wrong instance id")
	assert.Error(t, VerifyEnclaveProof(ok, 7, common.HexToAddress("0x1234")), "wrong instance")
	assert.Error(t, VerifyEnclaveProof(&models.Proof{Proof: raw[:80], Input: input}, 7, addr), "short")
	assert.Error(t, VerifyEnclaveProof(&models.Proof{Proof: raw, Input: common.HexToHash("0xbeef")}, 7, addr), "other input")
	assert.Error(t, VerifyEnclaveProof(nil, 7, addr))
}

func TestEnclaveBackendSubmit(t *testing.T) {
	input := crypto.Keccak256Hash([]byte("payload"))
	raw, addr := signedEnclaveProof(t, 3, input)

	var gotPath string
	var gotBody clients.EnclaveProveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(clients.EnclaveProveResponse{
			Status: "success",
			Proof:  clients.EnclaveProof{Proof: raw, Input: input, Quote: hexutil.Bytes{0x01}},
			Cached: true,
		})
	}))
	defer srv.Close()

	b := NewEnclaveBackend(clients.NewEnclaveClient(srv.URL, time.Second))
	key := blockKey(models.ProofKindEnclave, 5)
	req := &Request{Fingerprint: key.Fingerprint(), Key: key, Options: Options{InstanceID: 3, InstanceAddress: addr}}

	sub, err := b.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "/prove/block", gotPath)
	assert.Equal(t, uint64(3), gotBody.InstanceID)
	assert.True(t, sub.Cached)
	require.NotNil(t, sub.Proof)
	assert.NoError(t, b.ValidateCached(context.Background(), req, sub.Proof))

	assert.ErrorIs(t, b.Cancel(context.Background(), ""), ErrCancelUnsupported)
}

func TestEnclaveBackendClassifiesErrors(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()

	b := NewEnclaveBackend(clients.NewEnclaveClient(srv.URL, time.Second))
	key := blockKey(models.ProofKindEnclave, 5)

	_, err := b.Submit(context.Background(), &Request{Key: key})
	assert.True(t, IsUnavailable(err))

	code.Store(http.StatusBadRequest)
	_, err = b.Submit(context.Background(), &Request{Key: key})
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}

type fakeNetwork struct {
	status  atomic.Value // string
	proof   []byte
	cancels atomic.Int32
}

func (f *fakeNetwork) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/proofs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(clients.NetworkSubmitResponse{ProofID: "p-1"})
	})
	mux.HandleFunc("/v1/proofs/p-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			f.cancels.Add(1)
			return
		}
		_ = json.NewEncoder(w).Encode(clients.NetworkProofStatus{
			ProofID:  "p-1",
			Status:   f.status.Load().(string),
			Proof:    f.proof,
			Checksum: crypto.Keccak256Hash(f.proof),
			VKeyHash: common.HexToHash("0xaa"),
			Error:    "guest panicked",
		})
	})
	return mux
}

func TestNetworkBackendLifecycle(t *testing.T) {
	f := &fakeNetwork{proof: []byte{1, 2, 3}}
	f.status.Store(clients.NetworkProofRunning)
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	b := NewNetworkBackend(models.ProofKindSP1, clients.NewProvingNetworkClient(srv.URL, "secret", time.Second, 0, 0))
	key := blockKey(models.ProofKindSP1, 9)
	req := &Request{Fingerprint: key.Fingerprint(), Key: key, Options: Options{ProgramVKeyHash: common.HexToHash("0xaa")}}
	ctx := context.Background()

	sub, err := b.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Handle("p-1"), sub.Handle)
	assert.Nil(t, sub.Proof)

	res, err := b.Poll(ctx, sub.Handle)
	require.NoError(t, err)
	assert.Equal(t, PollPending, res.State)

	f.status.Store(clients.NetworkProofSucceeded)
	res, err = b.Poll(ctx, sub.Handle)
	require.NoError(t, err)
	require.Equal(t, PollSuccess, res.State)
	assert.Equal(t, "p-1", res.Proof.ProofID)
	assert.NoError(t, b.ValidateCached(ctx, req, res.Proof))

	f.status.Store(clients.NetworkProofFailed)
	res, err = b.Poll(ctx, sub.Handle)
	require.NoError(t, err)
	assert.Equal(t, PollFailed, res.State)
	assert.EqualError(t, res.Err, "guest panicked")

	require.NoError(t, b.Cancel(ctx, sub.Handle))
	assert.Equal(t, int32(1), f.cancels.Load())

	res, err = b.Poll(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, PollFailed, res.State)
}

func TestNetworkValidateCached(t *testing.T) {
	b := NewNetworkBackend(models.ProofKindRisc0, nil)
	req := &Request{Options: Options{ProgramVKeyHash: common.HexToHash("0xaa")}}
	proof := []byte{9, 9, 9}
	good := &models.Proof{Proof: proof, Checksum: crypto.Keccak256Hash(proof), VerificationKeyHash: common.HexToHash("0xaa")}
	assert.NoError(t, b.ValidateCached(context.Background(), req, good))

	corrupt := *good
	corrupt.Proof = []byte{9, 9, 8}
	assert.Error(t, b.ValidateCached(context.Background(), req, &corrupt))

	wrongProgram := *good
	wrongProgram.VerificationKeyHash = common.HexToHash("0xbb")
	assert.Error(t, b.ValidateCached(context.Background(), req, &wrongProgram))

	assert.Error(t, b.ValidateCached(context.Background(), req, &models.Proof{}))
}

func TestRegistryResolve(t *testing.T) {
	ballot, err := NewBallot(map[models.ProofKind]BallotEntry{models.ProofKindSP1: {Probability: 1}}, 0)
	require.NoError(t, err)

	r := NewRegistry(ballot)
	r.Register(NewNativeBackend(), Options{})

	kind, drawn, err := r.Resolve(&models.RequestKey{ProofKind: models.ProofKindNative})
	require.NoError(t, err)
	assert.True(t, drawn)
	assert.Equal(t, models.ProofKindNative, kind)

	_, _, err = r.Resolve(&models.RequestKey{ProofKind: models.ProofKindRisc0})
	assert.Error(t, err)

	// sp1 drawn but not registered
	auto := blockKey(models.ProofKindAuto, 1)
	_, drawn, err = r.Resolve(&auto)
	require.NoError(t, err)
	assert.False(t, drawn)

	r.Register(NewNetworkBackend(models.ProofKindSP1, nil), Options{})
	auto2 := blockKey(models.ProofKindAuto, 2)
	kind, drawn, err = r.Resolve(&auto2)
	require.NoError(t, err)
	assert.True(t, drawn)
	assert.Equal(t, models.ProofKindSP1, kind)

	assert.Equal(t, []models.ProofKind{models.ProofKindNative, models.ProofKindSP1}, r.Kinds())
}

func TestRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig(config.BackendsConfig{
		Native: config.NativeConfig{Enabled: true},
		SP1:    config.NetworkConfig{Enabled: true, BaseURL: "http://localhost:1", ProgramVKeyHash: "0xaa"},
	}, nil)
	require.NoError(t, err)

	_, opts, ok := r.Lookup(models.ProofKindSP1)
	require.True(t, ok)
	assert.Equal(t, common.HexToHash("0xaa"), opts.ProgramVKeyHash)

	_, err = NewRegistryFromConfig(config.BackendsConfig{SGX: config.SGXConfig{Enabled: true}}, nil)
	assert.Error(t, err)
}
