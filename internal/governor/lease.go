package governor

import (
	"sync/atomic"
	"time"

	"voxd/internal/backend"
	"voxd/pkg/types"
)

// Lease is one consumer's reference to a loaded model instance. The native
// handle it exposes is read-only; every lifecycle change goes through the
// governor. Release must be called exactly once on every exit path.
type Lease struct {
	g        *Governor
	e        *entry
	released atomic.Bool
}

func newLease(g *Governor, e *entry) *Lease {
	return &Lease{g: g, e: e}
}

// ModelID returns the leased model id.
func (l *Lease) ModelID() string { return l.e.modelID }

// Native returns the backend-owned handle.
func (l *Lease) Native() backend.Handle { return l.e.handle }

// Provider returns the backend serving this instance.
func (l *Lease) Provider() backend.Provider { return l.e.provider }

// MemoryMB returns the committed memory estimate.
func (l *Lease) MemoryMB() int { return l.e.memMB }

// LoadedAt returns when the instance was created.
func (l *Lease) LoadedAt() time.Time { return l.e.created }

// Release drops this lease's reference. A second Release is a programming
// error and fails loudly instead of corrupting the count.
func (l *Lease) Release() error {
	if l.released.Swap(true) {
		return &types.StateConflictError{Op: "release", Detail: "lease on " + l.e.modelID + " already released"}
	}
	l.g.release(l.e)
	return nil
}
