package models

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockKey() RequestKey {
	return RequestKey{
		ProofKind: ProofKindNative,
		Scope:     BlockScope(100, common.HexToHash("0xabc")),
		Network:   "testnet",
		L1Network: "holesky",
		Prover:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
	}
}

func TestFingerprintStableAcrossConstruction(t *testing.T) {
	a := blockKey()

	var b RequestKey
	b.L1Network = "holesky"
	b.Prover = common.HexToAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	b.Scope = Scope{BlockHash: common.HexToHash("0xabc"), Kind: ScopeBlock, BlockNumber: 100}
	b.Network = " TestNet "
	b.ProofKind = ProofKindNative
	b.BlobProofType = DefaultBlobProofType

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.True(t, a.Fingerprint().Valid())
}

func TestFingerprintSurvivesJSONRoundTrip(t *testing.T) {
	a := blockKey()
	a.ProverArgs = map[string]interface{}{"b": 2, "a": 1}

	data, err := json.Marshal(a)
	require.NoError(t, err)
	var b RequestKey
	require.NoError(t, json.Unmarshal(data, &b))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintIgnoresProverArgs(t *testing.T) {
	a := blockKey()
	b := blockKey()
	b.ProverArgs = map[string]interface{}{"cycles": 1000}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintDiffersOnGraffiti(t *testing.T) {
	a := blockKey()
	b := blockKey()
	b.Graffiti = common.HexToHash("0x01")
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintDiffersOnKindAndChildOrder(t *testing.T) {
	a := blockKey()
	assert.NotEqual(t, a.Fingerprint(), a.WithProofKind(ProofKindSP1).Fingerprint())

	c1 := blockKey().Fingerprint()
	k2 := blockKey()
	k2.Scope.BlockNumber = 101
	c2 := k2.Fingerprint()

	agg1 := NewAggregateKey(ProofKindSP1, "testnet", "holesky", common.Address{}, []Fingerprint{c1, c2})
	agg2 := NewAggregateKey(ProofKindSP1, "testnet", "holesky", common.Address{}, []Fingerprint{c2, c1})
	assert.NotEqual(t, agg1.Fingerprint(), agg2.Fingerprint())
}

func TestValidate(t *testing.T) {
	child := blockKey().Fingerprint()

	cases := []struct {
		name  string
		mut   func(k *RequestKey)
		valid bool
	}{
		{"block ok", func(k *RequestKey) {}, true},
		{"unknown kind", func(k *RequestKey) { k.ProofKind = "groth16" }, false},
		{"empty network", func(k *RequestKey) { k.Network = " " }, false},
		{"empty l1 network", func(k *RequestKey) { k.L1Network = "" }, false},
		{"bad blob type", func(k *RequestKey) { k.BlobProofType = "nope" }, false},
		{"aggregation flag on block", func(k *RequestKey) { k.Aggregation = true }, false},
		{"batch without inclusion height", func(k *RequestKey) { k.Scope = BatchScope(7, 0) }, false},
		{"batch ok", func(k *RequestKey) { k.Scope = BatchScope(7, 1200) }, true},
		{"empty aggregate", func(k *RequestKey) {
			k.Scope = AggregateScope(nil)
			k.Aggregation = true
		}, false},
		{"aggregate without flag", func(k *RequestKey) { k.Scope = AggregateScope([]Fingerprint{child}) }, false},
		{"auto aggregate", func(k *RequestKey) {
			k.Scope = AggregateScope([]Fingerprint{child})
			k.Aggregation = true
			k.ProofKind = ProofKindAuto
		}, false},
		{"malformed child", func(k *RequestKey) {
			k.Scope = AggregateScope([]Fingerprint{"0x12"})
			k.Aggregation = true
		}, false},
		{"aggregate ok", func(k *RequestKey) {
			k.Scope = AggregateScope([]Fingerprint{child})
			k.Aggregation = true
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := blockKey()
			tc.mut(&k)
			err := k.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestParseProofKind(t *testing.T) {
	k, err := ParseProofKind("Enclave")
	require.NoError(t, err)
	assert.Equal(t, ProofKindEnclave, k)

	_, err = ParseProofKind("plonk")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDrawSeed(t *testing.T) {
	k := blockKey()
	assert.Equal(t, common.HexToHash("0xabc"), k.DrawSeed())

	k.Scope = BatchScope(3, 10)
	assert.Equal(t, common.HexToHash(string(k.Fingerprint())), k.DrawSeed())
}
