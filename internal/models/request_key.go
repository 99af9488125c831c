package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProofKind proof backend selector
type ProofKind string

const (
	ProofKindNative  ProofKind = "native" // re-execution, no cryptographic overhead
	ProofKindEnclave ProofKind = "sgx"    // trusted-hardware enclave signature
	ProofKindSP1     ProofKind = "sp1"    // zkVM proving network A
	ProofKindRisc0   ProofKind = "risc0"  // zkVM proving network B
	ProofKindAuto    ProofKind = "auto"   // resolved by the ballot at dispatch time
)

// AllProofKinds every concrete proof kind, in ballot order
var AllProofKinds = []ProofKind{ProofKindNative, ProofKindEnclave, ProofKindSP1, ProofKindRisc0}

// ParseProofKind parses a proof kind, accepting a few common aliases
func ParseProofKind(s string) (ProofKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native":
		return ProofKindNative, nil
	case "sgx", "enclave":
		return ProofKindEnclave, nil
	case "sp1":
		return ProofKindSP1, nil
	case "risc0":
		return ProofKindRisc0, nil
	case "auto", "autoselect", "auto_select":
		return ProofKindAuto, nil
	}
	return "", fmt.Errorf("%w: unknown proof kind %q", ErrInvalidRequest, s)
}

// IsConcrete reports whether k names a single backend (not auto-select)
func (k ProofKind) IsConcrete() bool {
	switch k {
	case ProofKindNative, ProofKindEnclave, ProofKindSP1, ProofKindRisc0:
		return true
	}
	return false
}

// IsZk reports whether k is one of the zkVM network backends
func (k ProofKind) IsZk() bool {
	return k == ProofKindSP1 || k == ProofKindRisc0
}

// BlobProofType blob commitment proof variant
type BlobProofType string

const (
	BlobProofKzgVersionedHash   BlobProofType = "kzg_versioned_hash"
	BlobProofProofOfEquivalence BlobProofType = "proof_of_equivalence"
	DefaultBlobProofType                      = BlobProofProofOfEquivalence
)

// ScopeKind what a request proves
type ScopeKind string

const (
	ScopeBlock     ScopeKind = "block"
	ScopeBatch     ScopeKind = "batch"
	ScopeAggregate ScopeKind = "aggregate"
)

// Scope a single block, a batch anchored at an L1 inclusion height, or an ordered
// list of child requests (aggregate)
type Scope struct {
	Kind            ScopeKind     `json:"kind"`
	BlockNumber     uint64        `json:"block_number,omitempty"`
	BlockHash       common.Hash   `json:"block_hash,omitempty"`
	BatchID         uint64        `json:"batch_id,omitempty"`
	InclusionHeight uint64        `json:"inclusion_height,omitempty"`
	Children        []Fingerprint `json:"children,omitempty"`
}

// BlockScope single block scope
func BlockScope(number uint64, hash common.Hash) Scope {
	return Scope{Kind: ScopeBlock, BlockNumber: number, BlockHash: hash}
}

// BatchScope batch scope anchored at an L1 inclusion height
func BatchScope(batchID, inclusionHeight uint64) Scope {
	return Scope{Kind: ScopeBatch, BatchID: batchID, InclusionHeight: inclusionHeight}
}

// AggregateScope ordered list of child requests
func AggregateScope(children []Fingerprint) Scope {
	return Scope{Kind: ScopeAggregate, Children: append([]Fingerprint(nil), children...)}
}

// RequestKey identifies what is being proved and how
type RequestKey struct {
	ProofKind     ProofKind      `json:"proof_kind"`
	Scope         Scope          `json:"scope"`
	Network       string         `json:"network"`
	L1Network     string         `json:"l1_network"`
	Prover        common.Address `json:"prover"`
	Graffiti      common.Hash    `json:"graffiti"`
	BlobProofType BlobProofType  `json:"blob_proof_type,omitempty"`
	Aggregation   bool           `json:"aggregation"`

	// ProverArgs backend tuning options; they do not change proof content and are
	// not part of the fingerprint
	ProverArgs map[string]interface{} `json:"prover_args,omitempty"`
}

// Validate rejects malformed or self-contradictory keys
func (k RequestKey) Validate() error {
	if k.ProofKind != ProofKindAuto && !k.ProofKind.IsConcrete() {
		return fmt.Errorf("%w: unknown proof kind %q", ErrInvalidRequest, k.ProofKind)
	}
	if strings.TrimSpace(k.Network) == "" {
		return fmt.Errorf("%w: network is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(k.L1Network) == "" {
		return fmt.Errorf("%w: l1 network is required", ErrInvalidRequest)
	}
	switch k.BlobProofType {
	case "", BlobProofKzgVersionedHash, BlobProofProofOfEquivalence:
	default:
		return fmt.Errorf("%w: unknown blob proof type %q", ErrInvalidRequest, k.BlobProofType)
	}

	switch k.Scope.Kind {
	case ScopeBlock:
		if k.Aggregation {
			return fmt.Errorf("%w: aggregation flag set on a block scope", ErrInvalidRequest)
		}
	case ScopeBatch:
		if k.Aggregation {
			return fmt.Errorf("%w: aggregation flag set on a batch scope", ErrInvalidRequest)
		}
		if k.Scope.InclusionHeight == 0 {
			return fmt.Errorf("%w: batch %d has no inclusion height", ErrInvalidRequest, k.Scope.BatchID)
		}
	case ScopeAggregate:
		if !k.Aggregation {
			return fmt.Errorf("%w: aggregate scope without aggregation flag", ErrInvalidRequest)
		}
		if len(k.Scope.Children) == 0 {
			return fmt.Errorf("%w: empty aggregation set", ErrInvalidRequest)
		}
		if k.ProofKind == ProofKindAuto {
			return fmt.Errorf("%w: aggregation requires a concrete proof kind", ErrInvalidRequest)
		}
		for i, child := range k.Scope.Children {
			if !child.Valid() {
				return fmt.Errorf("%w: child %d has malformed fingerprint %q", ErrInvalidRequest, i, child)
			}
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidRequest, k.Scope.Kind)
	}
	return nil
}

// canonicalKey fixed-order projection of the fields that affect proof content
type canonicalKey struct {
	ProofKind       ProofKind      `json:"proof_kind"`
	ScopeKind       ScopeKind      `json:"scope_kind"`
	BlockNumber     uint64         `json:"block_number"`
	BlockHash       common.Hash    `json:"block_hash"`
	BatchID         uint64         `json:"batch_id"`
	InclusionHeight uint64         `json:"inclusion_height"`
	Children        []Fingerprint  `json:"children"`
	Network         string         `json:"network"`
	L1Network       string         `json:"l1_network"`
	Prover          common.Address `json:"prover"`
	Graffiti        common.Hash    `json:"graffiti"`
	BlobProofType   BlobProofType  `json:"blob_proof_type"`
	Aggregation     bool           `json:"aggregation"`
}

func (k RequestKey) canonical() canonicalKey {
	blob := k.BlobProofType
	if blob == "" {
		blob = DefaultBlobProofType
	}
	children := k.Scope.Children
	if children == nil {
		children = []Fingerprint{}
	}
	normalized := make([]Fingerprint, len(children))
	for i, c := range children {
		normalized[i] = Fingerprint(strings.ToLower(string(c)))
	}
	return canonicalKey{
		ProofKind:       k.ProofKind,
		ScopeKind:       k.Scope.Kind,
		BlockNumber:     k.Scope.BlockNumber,
		BlockHash:       k.Scope.BlockHash,
		BatchID:         k.Scope.BatchID,
		InclusionHeight: k.Scope.InclusionHeight,
		Children:        normalized,
		Network:         strings.ToLower(strings.TrimSpace(k.Network)),
		L1Network:       strings.ToLower(strings.TrimSpace(k.L1Network)),
		Prover:          k.Prover,
		Graffiti:        k.Graffiti,
		BlobProofType:   blob,
		Aggregation:     k.Aggregation,
	}
}

// CanonicalBytes deterministic encoding used for hashing and for native re-execution
func (k RequestKey) CanonicalBytes() []byte {
	// canonicalKey holds only fixed-order scalar fields, Marshal cannot fail
	data, _ := json.Marshal(k.canonical())
	return data
}

// Fingerprint keccak256 over the canonical encoding
func (k RequestKey) Fingerprint() Fingerprint {
	return Fingerprint(crypto.Keccak256Hash(k.CanonicalBytes()).Hex())
}

// DrawSeed the hash the ballot draws on: the block hash when known, otherwise
// the fingerprint, so draws are replayable either way
func (k RequestKey) DrawSeed() common.Hash {
	if k.Scope.Kind == ScopeBlock && k.Scope.BlockHash != (common.Hash{}) {
		return k.Scope.BlockHash
	}
	return common.HexToHash(string(k.Fingerprint()))
}

// WithProofKind copy of the key with the proof kind replaced
func (k RequestKey) WithProofKind(kind ProofKind) RequestKey {
	k.ProofKind = kind
	return k
}

// String short human readable form for logs
func (k RequestKey) String() string {
	switch k.Scope.Kind {
	case ScopeBlock:
		return fmt.Sprintf("%s/%s/block-%d", k.ProofKind, k.Network, k.Scope.BlockNumber)
	case ScopeBatch:
		return fmt.Sprintf("%s/%s/batch-%d@%d", k.ProofKind, k.Network, k.Scope.BatchID, k.Scope.InclusionHeight)
	case ScopeAggregate:
		return fmt.Sprintf("%s/%s/aggregate-%d", k.ProofKind, k.Network, len(k.Scope.Children))
	}
	return fmt.Sprintf("%s/%s/unknown", k.ProofKind, k.Network)
}

// NewAggregateKey builds the aggregate key from ordered child fingerprints
func NewAggregateKey(kind ProofKind, network, l1Network string, prover common.Address, children []Fingerprint) RequestKey {
	return RequestKey{
		ProofKind:   kind,
		Scope:       AggregateScope(children),
		Network:     network,
		L1Network:   l1Network,
		Prover:      prover,
		Aggregation: true,
	}
}
