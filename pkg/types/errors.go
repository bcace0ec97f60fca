package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Transient network faults are the
// only kind retried locally; everything else propagates to the caller as-is.

// NetworkError is a transient transfer fault (connect, read, HTTP 5xx).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a retryable transfer fault.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IntegrityError signals a digest mismatch on a downloaded artifact.
// Never retried automatically: it means the artifact is corrupt or wrong,
// not that the transfer flaked.
type IntegrityError struct {
	ModelID string
	Algo    DigestAlgo
	Want    string
	Got     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: model %s: %s mismatch: want %s got %s", e.ModelID, e.Algo, e.Want, e.Got)
}

// IsIntegrity reports whether err is a digest mismatch.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// CapacityError signals the memory budget cannot fit a load even after
// evicting every zero-reference instance.
type CapacityError struct {
	RequiredMB int
	UsedMB     int
	BudgetMB   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity: need %d MB, %d of %d MB committed and nothing evictable", e.RequiredMB, e.UsedMB, e.BudgetMB)
}

// IsCapacity reports whether err is a memory-budget failure.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// BackendError wraps a failure from a native inference backend with the
// backend-provided detail.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend [%s]: %s: %v", e.Backend, e.Op, e.Err)
}
func (e *BackendError) Unwrap() error { return e.Err }

// IsBackend reports whether err came from a native backend call.
func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// NotFoundError signals an unknown model, task or session id.
type NotFoundError struct {
	Kind string // "model", "task", "session", "backend"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// IsNotFound reports whether err is an unknown-id failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StateConflictError signals an operation illegal in the current state,
// e.g. unload with references outstanding or delete while loaded.
type StateConflictError struct {
	Op     string
	Detail string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: %s: %s", e.Op, e.Detail)
}

// IsStateConflict reports whether err is an illegal-state failure.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// ErrCancelled marks a download task that was cancelled by the caller, as
// opposed to one that failed on its own.
var ErrCancelled = errors.New("cancelled")
