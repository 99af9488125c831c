package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/models"
)

// NetworkBackend asynchronous remote zkVM proving network (sp1, risc0)
type NetworkBackend struct {
	kind   models.ProofKind
	client *clients.ProvingNetworkClient
}

// NewNetworkBackend wrap a proving network client for one zk proof kind
func NewNetworkBackend(kind models.ProofKind, client *clients.ProvingNetworkClient) *NetworkBackend {
	return &NetworkBackend{kind: kind, client: client}
}

func (b *NetworkBackend) Kind() models.ProofKind { return b.kind }

// Submit create the remote proof and return its id as the handle
func (b *NetworkBackend) Submit(ctx context.Context, req *Request) (*Submission, error) {
	body := &clients.NetworkSubmitRequest{
		Fingerprint:     string(req.Fingerprint),
		ProgramVKeyHash: req.Options.ProgramVKeyHash,
		Aggregate:       req.Key.Aggregation,
		Request:         req.Key,
		ProverArgs:      req.Key.ProverArgs,
		BypassCache:     req.BypassCache,
	}
	for i, child := range req.ChildProofs {
		if child == nil {
			return nil, fmt.Errorf("missing child proof %d", i)
		}
		body.Proofs = append(body.Proofs, clients.NetworkChildProof{Proof: child.Proof, Input: child.Input})
	}

	resp, err := b.client.Submit(ctx, body)
	if err != nil {
		return nil, classify(err)
	}
	if resp.ProofID == "" {
		return nil, errors.New("proving network returned an empty proof id")
	}
	return &Submission{Handle: Handle(resp.ProofID)}, nil
}

// Poll read the remote state
func (b *NetworkBackend) Poll(ctx context.Context, h Handle) (*PollResult, error) {
	status, err := b.client.Status(ctx, string(h))
	if err != nil {
		if clients.IsNotFound(err) {
			return &PollResult{State: PollFailed, Err: fmt.Errorf("proof %s unknown to the network", h)}, nil
		}
		return nil, classify(err)
	}

	switch status.Status {
	case clients.NetworkProofPending, clients.NetworkProofRunning:
		return &PollResult{State: PollPending}, nil
	case clients.NetworkProofSucceeded:
		return &PollResult{
			State: PollSuccess,
			Proof: &models.Proof{
				Proof:               status.Proof,
				Input:               status.Input,
				VerificationKeyHash: status.VKeyHash,
				Checksum:            status.Checksum,
				ProofID:             string(h),
				Backend:             b.kind,
			},
			Cached: status.Cached,
		}, nil
	case clients.NetworkProofFailed:
		msg := status.Error
		if msg == "" {
			msg = "remote proof failed"
		}
		return &PollResult{State: PollFailed, Err: errors.New(msg)}, nil
	case clients.NetworkProofCancelled:
		return &PollResult{State: PollFailed, Err: errors.New("remote proof cancelled")}, nil
	}
	return nil, fmt.Errorf("%w: unknown remote status %q", ErrUnavailable, status.Status)
}

// Cancel best effort remote cancellation
func (b *NetworkBackend) Cancel(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	if err := b.client.Cancel(ctx, string(h)); err != nil {
		if clients.IsNotFound(err) {
			return nil
		}
		return classify(err)
	}
	return nil
}

// ValidateCached the proof must hash to the reported checksum and be built
// for the configured program
func (b *NetworkBackend) ValidateCached(ctx context.Context, req *Request, proof *models.Proof) error {
	if proof == nil || len(proof.Proof) == 0 {
		return errors.New("cached proof is empty")
	}
	if sum := crypto.Keccak256Hash(proof.Proof); sum != proof.Checksum {
		return fmt.Errorf("checksum mismatch: got %s, reported %s", sum.Hex(), proof.Checksum.Hex())
	}
	if want := req.Options.ProgramVKeyHash; want != (common.Hash{}) && proof.VerificationKeyHash != want {
		return fmt.Errorf("vkey hash %s, want %s", proof.VerificationKeyHash.Hex(), want.Hex())
	}
	return nil
}
