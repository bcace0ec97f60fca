// Package governor tracks the memory committed by loaded models against a
// configured budget and arbitrates every load/unload. It is the single
// writer of reference counts and load state; all other components hold
// read-only leases and come back here for any lifecycle change.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voxd/internal/backend"
	"voxd/internal/eventbus"
	"voxd/pkg/types"
)

const defaultLoadTimeout = 2 * time.Minute

// Config holds the governor tunables.
type Config struct {
	// BudgetMB caps committed model memory. 0 means unlimited.
	BudgetMB int
	// MarginMB is kept free on top of the budget check.
	MarginMB int
	// LoadTimeout bounds a backend load call.
	LoadTimeout time.Duration
	// Load is the default native load configuration.
	Load backend.LoadConfig
}

// Governor arbitrates model loads. One per process.
type Governor struct {
	cfg      Config
	backends *backend.Table
	pub      eventbus.Publisher
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	usedMB  int

	loadsTotal     uint64
	evictionsTotal uint64
	startTime      time.Time
}

// entry is the governed state for one model. All fields are guarded by the
// governor lock except waitCh, which is written once and closed when the
// in-flight load or unload settles.
type entry struct {
	modelID  string
	state    types.LoadState
	provider backend.Provider
	handle   backend.Handle
	memMB    int
	refs     int
	created  time.Time
	lastUsed time.Time

	waitCh  chan struct{}
	loadErr error
}

// New constructs a Governor. pub may be nil.
func New(cfg Config, backends *backend.Table, pub eventbus.Publisher, log zerolog.Logger) *Governor {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if pub == nil {
		pub = eventbus.Nop{}
	}
	g := &Governor{
		cfg:       cfg,
		backends:  backends,
		pub:       pub,
		log:       log.With().Str("component", "governor").Logger(),
		entries:   make(map[string]*entry),
		startTime: time.Now(),
	}
	return g
}

// RequestLoad returns a lease on a loaded instance of m, loading it first if
// needed. Concurrent requests for a model already loading coalesce onto the
// in-flight attempt; an already-loaded model just gains a reference. When the
// budget would be exceeded the governor evicts least-recently-used
// zero-reference instances until the load fits, or fails with CapacityError.
func (g *Governor) RequestLoad(ctx context.Context, m *types.ModelDescriptor, backendID string) (*Lease, error) {
	g.mu.Lock()
	for {
		e, ok := g.entries[m.ID]
		if !ok {
			break
		}
		switch e.state {
		case types.LoadStateLoaded:
			e.refs++
			e.lastUsed = time.Now()
			g.mu.Unlock()
			return newLease(g, e), nil
		case types.LoadStateLoading, types.LoadStateUnloading:
			// Coalesce onto the settling attempt, then re-evaluate.
			ch := e.waitCh
			g.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			g.mu.Lock()
		default:
			// failed/unloaded entries are removed promptly; treat a
			// straggler as absent.
			delete(g.entries, m.ID)
		}
		if _, ok := g.entries[m.ID]; !ok {
			break
		}
	}

	provider, err := g.resolveProvider(m, backendID)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}

	need := m.MemoryEstMB
	victims, err := g.pickVictims(need)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}

	e := &entry{
		modelID:  m.ID,
		state:    types.LoadStateLoading,
		provider: provider,
		memMB:    need,
		created:  time.Now(),
		lastUsed: time.Now(),
		waitCh:   make(chan struct{}),
	}
	g.entries[m.ID] = e
	g.usedMB += need // reserve before the native call so concurrent loads budget correctly
	g.mu.Unlock()

	g.evict(victims)

	g.pub.Publish(types.Event{Category: types.EventModel, Name: "model.load_started",
		CorrelationID: m.ID, ModelID: m.ID,
		Fields: map[string]any{"backend": provider.ID(), "memory_mb": need}})

	loadCtx, cancel := context.WithTimeout(ctx, g.cfg.LoadTimeout)
	h, loadErr := provider.Load(loadCtx, m.LocalPath, g.cfg.Load)
	cancel()

	g.mu.Lock()
	if loadErr != nil {
		e.state = types.LoadStateFailed
		e.loadErr = &types.BackendError{Backend: provider.ID(), Op: "load", Err: loadErr}
		delete(g.entries, m.ID)
		g.usedMB -= need
		close(e.waitCh)
		g.mu.Unlock()
		g.log.Error().Str("model", m.ID).Err(loadErr).Msg("backend load failed")
		g.pub.Publish(types.Event{Category: types.EventModel, Name: "model.load_failed",
			CorrelationID: m.ID, ModelID: m.ID, Fields: map[string]any{"error": loadErr.Error()}})
		return nil, e.loadErr
	}
	e.state = types.LoadStateLoaded
	e.handle = h
	e.refs = 1
	e.lastUsed = time.Now()
	g.loadsTotal++
	close(e.waitCh)
	g.mu.Unlock()

	g.log.Info().Str("model", m.ID).Str("backend", provider.ID()).Int("memory_mb", need).Msg("model loaded")
	g.pub.Publish(types.Event{Category: types.EventModel, Name: "model.load_completed",
		CorrelationID: m.ID, ModelID: m.ID,
		Fields: map[string]any{"backend": provider.ID(), "memory_mb": need}})
	metricLoads.Inc()
	metricUsedMB.Set(float64(g.UsedMB()))
	return newLease(g, e), nil
}

func (g *Governor) resolveProvider(m *types.ModelDescriptor, backendID string) (backend.Provider, error) {
	if backendID != "" {
		if !m.SupportsBackend(backendID) {
			return nil, &types.StateConflictError{Op: "load", Detail: "model " + m.ID + " does not support backend " + backendID}
		}
		return g.backends.Lookup(backendID)
	}
	return g.backends.Resolve(m)
}

// pickVictims selects LRU zero-reference loaded entries until need fits the
// budget, removing them from the table so nobody can lease them while their
// native unload runs. Caller holds the lock.
func (g *Governor) pickVictims(need int) ([]*entry, error) {
	if g.cfg.BudgetMB <= 0 {
		return nil, nil
	}
	var victims []*entry
	for g.usedMB+need+g.cfg.MarginMB > g.cfg.BudgetMB {
		var lru *entry
		for _, e := range g.entries {
			if e.state != types.LoadStateLoaded || e.refs != 0 {
				continue
			}
			if lru == nil || e.lastUsed.Before(lru.lastUsed) {
				lru = e
			}
		}
		if lru == nil {
			// Roll back the selection: nothing further can be freed.
			for _, v := range victims {
				g.entries[v.modelID] = v
				g.usedMB += v.memMB
				v.state = types.LoadStateLoaded
			}
			return nil, &types.CapacityError{RequiredMB: need, UsedMB: g.usedMB, BudgetMB: g.cfg.BudgetMB}
		}
		lru.state = types.LoadStateUnloading
		delete(g.entries, lru.modelID)
		g.usedMB -= lru.memMB
		victims = append(victims, lru)
	}
	return victims, nil
}

// evict runs the native unload for already-detached victims.
func (g *Governor) evict(victims []*entry) {
	for _, v := range victims {
		if err := v.provider.Unload(v.handle); err != nil {
			g.log.Error().Str("model", v.modelID).Err(err).Msg("evict unload failed")
		}
		g.mu.Lock()
		g.evictionsTotal++
		g.mu.Unlock()
		g.log.Info().Str("model", v.modelID).Int("memory_mb", v.memMB).Msg("model evicted")
		g.pub.Publish(types.Event{Category: types.EventModel, Name: "model.evicted",
			CorrelationID: v.modelID, ModelID: v.modelID, Fields: map[string]any{"memory_mb": v.memMB}})
		metricEvictions.Inc()
	}
}

// release drops one reference. At zero the instance stays loaded and becomes
// an eviction candidate; eager unload happens only under pressure or via
// Unload.
func (g *Governor) release(e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
	e.lastUsed = time.Now()
}

// Unload destroys a loaded instance. It fails with StateConflictError while
// references are outstanding: silent unload under a live consumer is a bug,
// not a convenience.
func (g *Governor) Unload(modelID string) error {
	g.mu.Lock()
	e, ok := g.entries[modelID]
	if !ok {
		g.mu.Unlock()
		return &types.NotFoundError{Kind: "model", ID: modelID}
	}
	if e.state != types.LoadStateLoaded {
		g.mu.Unlock()
		return &types.StateConflictError{Op: "unload", Detail: "model " + modelID + " is " + string(e.state)}
	}
	if e.refs > 0 {
		g.mu.Unlock()
		return &types.StateConflictError{Op: "unload", Detail: "model " + modelID + " has outstanding references"}
	}
	e.state = types.LoadStateUnloading
	e.waitCh = make(chan struct{})
	delete(g.entries, modelID)
	g.usedMB -= e.memMB
	g.mu.Unlock()

	err := e.provider.Unload(e.handle)

	g.mu.Lock()
	e.state = types.LoadStateUnloaded
	close(e.waitCh)
	g.mu.Unlock()

	if err != nil {
		g.pub.Publish(types.Event{Category: types.EventModel, Name: "model.unload_failed",
			CorrelationID: modelID, ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
		return &types.BackendError{Backend: e.provider.ID(), Op: "unload", Err: err}
	}
	g.log.Info().Str("model", modelID).Msg("model unloaded")
	g.pub.Publish(types.Event{Category: types.EventModel, Name: "model.unloaded",
		CorrelationID: modelID, ModelID: modelID})
	metricUsedMB.Set(float64(g.UsedMB()))
	return nil
}

// Loaded reports whether modelID currently has a live instance (loading
// counts: the model cannot be deleted mid-load).
func (g *Governor) Loaded(modelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[modelID]
	return ok
}

// Refs returns the current reference count for modelID, 0 if not loaded.
func (g *Governor) Refs(modelID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[modelID]; ok {
		return e.refs
	}
	return 0
}

// UsedMB returns committed model memory.
func (g *Governor) UsedMB() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usedMB
}

// Snapshot projects governed state for the status endpoint.
func (g *Governor) Snapshot() types.StatusResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	resp := types.StatusResponse{
		BudgetMB:       g.cfg.BudgetMB,
		MarginMB:       g.cfg.MarginMB,
		UsedMB:         g.usedMB,
		LoadsTotal:     g.loadsTotal,
		EvictionsTotal: g.evictionsTotal,
		UptimeSeconds:  int64(time.Since(g.startTime).Seconds()),
		Models:         make([]types.LoadedModelStatus, 0, len(g.entries)),
	}
	for _, e := range g.entries {
		resp.Models = append(resp.Models, types.LoadedModelStatus{
			ModelID:  e.modelID,
			Backend:  e.provider.ID(),
			State:    e.state,
			MemoryMB: e.memMB,
			Refs:     e.refs,
			LoadedAt: e.created,
			LastUsed: e.lastUsed,
		})
	}
	return resp
}

// Close force-unloads everything at process teardown. Outstanding references
// are ignored: the process is going away.
func (g *Governor) Close() {
	g.mu.Lock()
	entries := make([]*entry, 0, len(g.entries))
	for id, e := range g.entries {
		delete(g.entries, id)
		entries = append(entries, e)
	}
	g.usedMB = 0
	g.mu.Unlock()
	for _, e := range entries {
		if e.state == types.LoadStateLoaded {
			_ = e.provider.Unload(e.handle)
		}
	}
}
