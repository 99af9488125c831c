package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"proof-orchestrator/internal/models"
)

// NativeBackend re-execution without cryptographic overhead. The proof input
// commits to the canonical request, or to the ordered child inputs for an
// aggregate.
type NativeBackend struct{}

// NewNativeBackend create native backend
func NewNativeBackend() *NativeBackend {
	return &NativeBackend{}
}

func (b *NativeBackend) Kind() models.ProofKind { return models.ProofKindNative }

// Submit compute synchronously
func (b *NativeBackend) Submit(ctx context.Context, req *Request) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Key.Aggregation {
		if len(req.ChildProofs) == 0 {
			return nil, errors.New("aggregate without child proofs")
		}
		parts := make([][]byte, 0, len(req.ChildProofs))
		for i, child := range req.ChildProofs {
			if child == nil {
				return nil, fmt.Errorf("missing child proof %d", i)
			}
			parts = append(parts, child.Input.Bytes())
		}
		return &Submission{Proof: &models.Proof{
			Input:   crypto.Keccak256Hash(parts...),
			Backend: models.ProofKindNative,
		}}, nil
	}

	return &Submission{Proof: &models.Proof{
		Input:   crypto.Keccak256Hash(req.Key.CanonicalBytes()),
		Backend: models.ProofKindNative,
	}}, nil
}

// Poll never called; native results are immediate
func (b *NativeBackend) Poll(ctx context.Context, h Handle) (*PollResult, error) {
	return nil, fmt.Errorf("native backend has no in-flight handle %q", h)
}

// Cancel nothing is ever in flight
func (b *NativeBackend) Cancel(ctx context.Context, h Handle) error {
	return nil
}
