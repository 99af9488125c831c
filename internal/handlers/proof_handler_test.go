package handlers

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proof-orchestrator/internal/models"
)

func u64(v uint64) *uint64 { return &v }

func TestToRequestKeyBlockScope(t *testing.T) {
	req := ProofRequest{
		ProofKind:   "enclave",
		Network:     "testnet",
		L1Network:   "holesky",
		BlockNumber: u64(12),
		BlockHash:   "0x0c",
		Prover:      "0x00000000000000000000000000000000000000aa",
		Graffiti:    "0x6869",
	}
	key, err := req.ToRequestKey()
	require.NoError(t, err)

	assert.Equal(t, models.ProofKindEnclave, key.ProofKind)
	assert.Equal(t, models.BlockScope(12, common.BytesToHash([]byte{0x0c})), key.Scope)
	assert.Equal(t, common.HexToAddress("0xaa"), key.Prover)
	assert.Equal(t, common.BytesToHash([]byte("hi")), key.Graffiti)
	require.NoError(t, key.Validate())
}

func TestToRequestKeyBatchScope(t *testing.T) {
	req := ProofRequest{
		ProofKind:       "sp1",
		Network:         "testnet",
		L1Network:       "holesky",
		BatchID:         u64(3),
		InclusionHeight: 900,
	}
	key, err := req.ToRequestKey()
	require.NoError(t, err)
	assert.Equal(t, models.BatchScope(3, 900), key.Scope)
}

func TestToRequestKeyRejects(t *testing.T) {
	base := func() ProofRequest {
		return ProofRequest{ProofKind: "native", Network: "testnet", L1Network: "holesky", BlockNumber: u64(1)}
	}

	both := base()
	both.BatchID = u64(1)
	neither := base()
	neither.BlockNumber = nil
	long := base()
	long.Graffiti = "0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
	kind := base()
	kind.ProofKind = "plonk"

	for name, req := range map[string]ProofRequest{"both": both, "neither": neither, "long graffiti": long, "kind": kind} {
		_, err := req.ToRequestKey()
		assert.ErrorIs(t, err, models.ErrInvalidRequest, name)
	}
}
