// Package backends is the uniform dispatch surface over every proving
// backend. A backend is either synchronous (Submit returns the proof) or
// asynchronous (Submit returns a handle that is polled).
package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/models"
)

var (
	// ErrUnavailable transient failure; the caller may retry the same call
	ErrUnavailable = errors.New("backend unavailable")
	// ErrCancelUnsupported the backend cannot interrupt in-flight work
	ErrCancelUnsupported = errors.New("backend cannot cancel in-flight work")
)

// Handle opaque reference to an in-flight remote computation
type Handle string

// Options submit-time settings resolved from configuration by the registry
type Options struct {
	InstanceID      uint64
	InstanceAddress common.Address
	ProgramVKeyHash common.Hash
}

// Request one dispatch
type Request struct {
	Fingerprint models.Fingerprint
	Key         models.RequestKey
	// ChildProofs ordered child results, set for aggregates only
	ChildProofs []*models.Proof
	// BypassCache asks the backend to recompute instead of serving a cached artifact
	BypassCache bool
	Options     Options
}

// Submission result of Submit. Proof is set when the backend finished
// synchronously, Handle when it must be polled.
type Submission struct {
	Handle Handle
	Proof  *models.Proof
	Cached bool
}

// PollState remote computation state
type PollState int

const (
	PollPending PollState = iota
	PollSuccess
	PollFailed
)

func (s PollState) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollSuccess:
		return "success"
	case PollFailed:
		return "failed"
	}
	return fmt.Sprintf("PollState(%d)", int(s))
}

// PollResult one observation of a handle. Err carries the backend's reason
// when State is PollFailed.
type PollResult struct {
	State  PollState
	Proof  *models.Proof
	Cached bool
	Err    error
}

// Backend dispatch contract. Errors wrapping ErrUnavailable are transient;
// any other error from Submit is a deterministic computation failure. Poll
// returns an error only when the observation itself failed.
type Backend interface {
	Kind() models.ProofKind
	Submit(ctx context.Context, req *Request) (*Submission, error)
	Poll(ctx context.Context, h Handle) (*PollResult, error)
	Cancel(ctx context.Context, h Handle) error
}

// CacheValidator implemented by backends that can check a cached artifact
type CacheValidator interface {
	ValidateCached(ctx context.Context, req *Request, proof *models.Proof) error
}

// IsUnavailable reports whether err is transient
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// classify maps client errors onto the dispatch taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	if clients.IsTemporary(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
