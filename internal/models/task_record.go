package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Fingerprint 0x-prefixed keccak256 of a canonical RequestKey, the sole dedup key
type Fingerprint string

var fingerprintPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Valid reports whether f has the shape of a keccak256 hex digest
func (f Fingerprint) Valid() bool {
	return fingerprintPattern.MatchString(string(f))
}

// Normalize lower-case hex, the form fingerprints are stored under
func (f Fingerprint) Normalize() Fingerprint {
	return Fingerprint(strings.ToLower(string(f)))
}

// Short first bytes of the fingerprint, for log lines
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// TaskStatus task lifecycle status
type TaskStatus string

const (
	TaskStatusRegistered     TaskStatus = "registered"       // created, no actor has claimed it yet
	TaskStatusWorkInProgress TaskStatus = "work_in_progress" // owned by an actor
	TaskStatusSuccess        TaskStatus = "success"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusCancelled      TaskStatus = "cancelled"
)

// ParseTaskStatus parses a status name
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusRegistered, TaskStatusWorkInProgress, TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
}

// IsTerminal success, failed and cancelled never change again
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed || s == TaskStatusCancelled
}

// rank position in the partial order registered < work_in_progress < terminal
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusRegistered:
		return 0
	case TaskStatusWorkInProgress:
		return 1
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Registered -> Failed is only taken by a gated aggregate whose child failed.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusRegistered:
		return to == TaskStatusWorkInProgress || to == TaskStatusCancelled || to == TaskStatusFailed
	case TaskStatusWorkInProgress:
		return to == TaskStatusSuccess || to == TaskStatusFailed || to == TaskStatusCancelled
	}
	return false
}

// StatusNotBefore reports whether b is at or after a in the lifecycle order
func StatusNotBefore(a, b TaskStatus) bool {
	return b.rank() >= a.rank()
}

// Proof result payload of a successful task
type Proof struct {
	Proof               hexutil.Bytes `json:"proof,omitempty"`
	Input               common.Hash   `json:"input"`
	Quote               hexutil.Bytes `json:"quote,omitempty"`
	VerificationKeyHash common.Hash   `json:"vkey_hash,omitempty"`
	Checksum            common.Hash   `json:"checksum,omitempty"`
	ProofID             string        `json:"proof_id,omitempty"`
	Backend             ProofKind     `json:"backend,omitempty"`

	// NotDrawn success-shaped sentinel: auto-select opted out of every backend
	NotDrawn bool `json:"not_drawn,omitempty"`
}

// NotDrawnProof the "not selected" sentinel result
func NotDrawnProof() *Proof {
	return &Proof{NotDrawn: true}
}

// TaskError persisted failure
type TaskError struct {
	Kind        ErrorKind   `json:"kind"`
	Message     string      `json:"message"`
	FailedChild Fingerprint `json:"failed_child,omitempty"`
}

func (e *TaskError) Error() string {
	if e.FailedChild != "" {
		return fmt.Sprintf("%s: %s (child %s)", e.Kind, e.Message, e.FailedChild)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError build a TaskError from an error value
func NewTaskError(kind ErrorKind, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Kind: kind, Message: msg}
}

// TaskRecord persisted unit of work, keyed by fingerprint
type TaskRecord struct {
	Fingerprint     Fingerprint `json:"fingerprint"`
	Request         RequestKey  `json:"request"`
	Status          TaskStatus  `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	RetryCount      int         `json:"retry_count"`
	AssignedBackend ProofKind   `json:"assigned_backend,omitempty"`

	// Revision bumped by every write; compare-and-set checks it with the status
	Revision uint64 `json:"revision"`

	// BackendHandle opaque remote handle, kept so an in-flight remote proof is
	// resumed rather than resubmitted after a restart
	BackendHandle string `json:"backend_handle,omitempty"`

	Result *Proof     `json:"result,omitempty"`
	Error  *TaskError `json:"error,omitempty"`

	AggregationMembers []Fingerprint `json:"aggregation_members,omitempty"`
}

// NewTaskRecord fresh Registered record for key
func NewTaskRecord(key RequestKey, now time.Time) *TaskRecord {
	rec := &TaskRecord{
		Fingerprint: key.Fingerprint(),
		Request:     key,
		Status:      TaskStatusRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if key.Aggregation {
		rec.AggregationMembers = append([]Fingerprint(nil), key.Scope.Children...)
	}
	return rec
}

// IsAggregate reports whether the record gates on child tasks
func (r *TaskRecord) IsAggregate() bool {
	return len(r.AggregationMembers) > 0
}

// Clone deep enough copy for handing records across goroutines
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.AggregationMembers = append([]Fingerprint(nil), r.AggregationMembers...)
	c.Request.Scope.Children = append([]Fingerprint(nil), r.Request.Scope.Children...)
	if r.Request.ProverArgs != nil {
		c.Request.ProverArgs = make(map[string]interface{}, len(r.Request.ProverArgs))
		for k, v := range r.Request.ProverArgs {
			c.Request.ProverArgs[k] = v
		}
	}
	if r.Result != nil {
		res := *r.Result
		res.Proof = append(hexutil.Bytes(nil), r.Result.Proof...)
		res.Quote = append(hexutil.Bytes(nil), r.Result.Quote...)
		c.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}
