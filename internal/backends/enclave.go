package backends

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/models"
)

// enclave proof layout: instance id (4, big endian) | instance address (20) | signature (65)
const (
	enclaveIDLen    = 4
	enclaveProofLen = enclaveIDLen + common.AddressLength + crypto.SignatureLength
)

// EnclaveBackend trusted-hardware signing service. Synchronous: the service
// answers the prove call with the signed proof.
type EnclaveBackend struct {
	client *clients.EnclaveClient
}

// NewEnclaveBackend wrap an enclave client
func NewEnclaveBackend(client *clients.EnclaveClient) *EnclaveBackend {
	return &EnclaveBackend{client: client}
}

func (b *EnclaveBackend) Kind() models.ProofKind { return models.ProofKindEnclave }

// Submit request a signed proof
func (b *EnclaveBackend) Submit(ctx context.Context, req *Request) (*Submission, error) {
	body := &clients.EnclaveProveRequest{
		Fingerprint: string(req.Fingerprint),
		InstanceID:  req.Options.InstanceID,
		Request:     req.Key,
		ProverArgs:  req.Key.ProverArgs,
		BypassCache: req.BypassCache,
	}

	var (
		resp *clients.EnclaveProveResponse
		err  error
	)
	if req.Key.Aggregation {
		for i, child := range req.ChildProofs {
			if child == nil {
				return nil, fmt.Errorf("missing child proof %d", i)
			}
			body.Proofs = append(body.Proofs, clients.EnclaveChildProof{Proof: child.Proof, Input: child.Input})
		}
		resp, err = b.client.Aggregate(ctx, body)
	} else {
		resp, err = b.client.Prove(ctx, string(req.Key.Scope.Kind), body)
	}
	if err != nil {
		return nil, classify(err)
	}

	return &Submission{
		Proof: &models.Proof{
			Proof:   resp.Proof.Proof,
			Quote:   resp.Proof.Quote,
			Input:   resp.Proof.Input,
			Backend: models.ProofKindEnclave,
		},
		Cached: resp.Cached,
	}, nil
}

// Poll never called; enclave results are immediate
func (b *EnclaveBackend) Poll(ctx context.Context, h Handle) (*PollResult, error) {
	return nil, fmt.Errorf("enclave backend has no in-flight handle %q", h)
}

// Cancel the enclave cannot be interrupted
func (b *EnclaveBackend) Cancel(ctx context.Context, h Handle) error {
	return ErrCancelUnsupported
}

// ValidateCached re-check a cached signature: the embedded instance must be
// the configured one and must have signed the proof input
func (b *EnclaveBackend) ValidateCached(ctx context.Context, req *Request, proof *models.Proof) error {
	if err := VerifyEnclaveProof(proof, req.Options.InstanceID, req.Options.InstanceAddress); err != nil {
		log.Printf("⚠️ [SGX] Cached proof for %s rejected: %v", req.Fingerprint.Short(), err)
		return err
	}
	return nil
}

// VerifyEnclaveProof check layout, instance id, instance address and signer.
// A zero instance address skips the address comparison but never the signer
// recovery.
func VerifyEnclaveProof(proof *models.Proof, instanceID uint64, instance common.Address) error {
	if proof == nil {
		return errors.New("no proof")
	}
	raw := []byte(proof.Proof)
	if len(raw) != enclaveProofLen {
		return fmt.Errorf("proof length %d, want %d", len(raw), enclaveProofLen)
	}

	id := binary.BigEndian.Uint32(raw[:enclaveIDLen])
	if uint64(id) != instanceID {
		return fmt.Errorf("instance id %d, want %d", id, instanceID)
	}

	embedded := common.BytesToAddress(raw[enclaveIDLen : enclaveIDLen+common.AddressLength])
	if instance != (common.Address{}) && embedded != instance {
		return fmt.Errorf("instance address %s, want %s", embedded.Hex(), instance.Hex())
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, raw[enclaveIDLen+common.AddressLength:])
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(proof.Input.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	if signer := crypto.PubkeyToAddress(*pub); !bytes.Equal(signer.Bytes(), embedded.Bytes()) {
		return fmt.Errorf("signed by %s, embedded %s", signer.Hex(), embedded.Hex())
	}
	return nil
}

// EncodeEnclaveProof build the proof layout from its parts
func EncodeEnclaveProof(instanceID uint32, instance common.Address, sig []byte) []byte {
	out := make([]byte, enclaveIDLen, enclaveProofLen)
	binary.BigEndian.PutUint32(out, instanceID)
	out = append(out, instance.Bytes()...)
	return append(out, sig...)
}
