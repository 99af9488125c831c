package models

import "errors"

var (
	// ErrInvalidRequest malformed or self-contradictory request, rejected at submit
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict compare-and-set lost against a concurrent writer
	ErrConflict = errors.New("status conflict")
	// ErrNotFound no record for the fingerprint
	ErrNotFound = errors.New("task not found")
	// ErrStoreUnavailable backing store I/O failure, retryable
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorKind classification of a terminal failure
type ErrorKind string

const (
	ErrorKindInvalidRequest          ErrorKind = "invalid_request"
	ErrorKindBackendUnavailable      ErrorKind = "backend_unavailable"
	ErrorKindComputationFailed       ErrorKind = "computation_failed"
	ErrorKindTimeout                 ErrorKind = "timeout"
	ErrorKindAggregationMemberFailed ErrorKind = "aggregation_member_failed"
	ErrorKindInternal                ErrorKind = "internal"
)
