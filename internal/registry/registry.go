// Package registry is the catalog of known models. It owns descriptor
// lifecycle: registration, download orchestration, availability, integrity
// re-checks and deletion. Artifact bytes are the download manager's job;
// descriptor truth lives in the store.
package registry

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voxd/internal/common/fsutil"
	"voxd/internal/download"
	"voxd/internal/eventbus"
	"voxd/internal/integrity"
	"voxd/internal/store"
	"voxd/pkg/types"
)

// LoadChecker reports whether a model currently occupies memory. The
// governor implements it; tests substitute their own.
type LoadChecker interface {
	Loaded(modelID string) bool
}

type neverLoaded struct{}

func (neverLoaded) Loaded(string) bool { return false }

// Registry coordinates the descriptor store and the download manager.
type Registry struct {
	store     *store.Store
	downloads *download.Manager
	loads     LoadChecker
	pub       eventbus.Publisher
	log       zerolog.Logger

	mu      sync.Mutex
	watched map[string]bool // task ids with a completion watcher attached
}

// New wires a registry. loads may be nil when no governor exists yet.
func New(st *store.Store, dl *download.Manager, loads LoadChecker, pub eventbus.Publisher, log zerolog.Logger) *Registry {
	if loads == nil {
		loads = neverLoaded{}
	}
	if pub == nil {
		pub = eventbus.Nop{}
	}
	return &Registry{
		store:     st,
		downloads: dl,
		loads:     loads,
		pub:       pub,
		log:       log.With().Str("component", "registry").Logger(),
		watched:   map[string]bool{},
	}
}

// RegisterBuiltIn installs the shipped catalog. Idempotent: descriptors
// already present keep their stored state (download status, usage counters)
// untouched.
func (r *Registry) RegisterBuiltIn(models []types.ModelDescriptor) error {
	for i := range models {
		m := models[i]
		m.BuiltIn = true
		if _, err := r.store.Get(m.ID); err == nil {
			continue
		} else if !types.IsNotFound(err) {
			return err
		}
		if err := r.store.Save(&m); err != nil {
			return err
		}
		r.pub.Publish(types.Event{Category: types.EventModel, Name: "model.registered",
			CorrelationID: m.ID, ModelID: m.ID, Fields: map[string]any{"built_in": true}})
	}
	return nil
}

// RegisterFromSource adds a user-supplied model. Remote sources are
// registered undownloaded; a local file path is adopted in place.
func (r *Registry) RegisterFromSource(req types.RegisterRequest) (*types.ModelDescriptor, error) {
	if req.Source == "" {
		return nil, &types.StateConflictError{Op: "register", Detail: "source is required"}
	}
	name := req.Name
	if name == "" {
		name = path.Base(strings.TrimSuffix(req.Source, "/"))
	}
	category := req.Category
	if category == "" {
		category = types.CategoryTextGeneration
	}
	id := slugify(name)
	if _, err := r.store.Get(id); err == nil {
		return nil, &types.StateConflictError{Op: "register", Detail: "model " + id + " already registered"}
	} else if !types.IsNotFound(err) {
		return nil, err
	}

	m := &types.ModelDescriptor{
		ID:       id,
		Name:     name,
		Category: category,
		Format:   formatFromName(name),
	}
	if req.SHA256 != "" {
		m.Digests = []types.Digest{{Algo: types.DigestSHA256, Hex: req.SHA256}}
	}
	m.Backends = req.Backends
	if len(m.Backends) == 0 && m.Format == types.FormatGGUF {
		m.Backends = []string{"llamacpp"}
	}
	if u, err := url.Parse(req.Source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		m.SourceURL = req.Source
	} else {
		expanded, err := fsutil.ExpandHome(req.Source)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, &types.NotFoundError{Kind: "file", ID: req.Source}
		}
		m.LocalPath = abs
		m.DownloadSize = fi.Size()
	}
	if err := r.store.Save(m); err != nil {
		return nil, err
	}
	r.pub.Publish(types.Event{Category: types.EventModel, Name: "model.registered",
		CorrelationID: m.ID, ModelID: m.ID, Fields: map[string]any{"source": req.Source}})
	return m, nil
}

// List returns every registered model.
func (r *Registry) List() ([]*types.ModelDescriptor, error) { return r.store.List() }

// ListAvailable returns models whose artifact actually exists on disk.
// A recorded path whose file has vanished does not count.
func (r *Registry) ListAvailable() ([]*types.ModelDescriptor, error) {
	all, err := r.store.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Downloaded() && fsutil.PathExists(m.LocalPath) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Find returns the descriptor for id.
func (r *Registry) Find(id string) (*types.ModelDescriptor, error) { return r.store.Get(id) }

// IsAvailable reports whether the model's artifact actually exists on disk.
func (r *Registry) IsAvailable(id string) bool {
	m, err := r.store.Get(id)
	return err == nil && m.Downloaded() && fsutil.PathExists(m.LocalPath)
}

// Download enqueues the transfer for id and arranges for the descriptor to
// pick up the artifact path once the task completes. Joining an in-flight
// task returns the same handle. Downloading an already-available model is
// a conflict; delete or verify first.
func (r *Registry) Download(id string) (*download.Task, error) {
	m, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if m.Downloaded() {
		return nil, &types.StateConflictError{Op: "download", Detail: "model " + id + " is already available"}
	}
	task, err := r.downloads.Enqueue(m)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if !r.watched[task.ID()] {
		r.watched[task.ID()] = true
		go r.watch(task)
	}
	r.mu.Unlock()
	return task, nil
}

func (r *Registry) watch(task *download.Task) {
	<-task.Done()
	r.mu.Lock()
	delete(r.watched, task.ID())
	r.mu.Unlock()
	if task.Err() != nil {
		return
	}
	var size int64
	if fi, err := os.Stat(task.Dest()); err == nil {
		size = fi.Size()
	}
	if _, err := r.store.Update(task.ModelID(), func(m *types.ModelDescriptor) error {
		m.LocalPath = task.Dest()
		if size > 0 {
			m.DownloadSize = size
		}
		return nil
	}); err != nil {
		r.log.Error().Err(err).Str("model", task.ModelID()).Msg("record downloaded artifact")
		return
	}
	r.pub.Publish(types.Event{Category: types.EventModel, Name: "model.available",
		CorrelationID: task.ModelID(), ModelID: task.ModelID(),
		Fields: map[string]any{"path": task.Dest()}})
}

// Verify re-checks the on-disk artifact against the descriptor digests.
// A failed check quarantines the model: the artifact is removed, LocalPath
// cleared, and the caller gets the IntegrityError.
func (r *Registry) Verify(id string) error {
	m, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !m.Downloaded() {
		return &types.StateConflictError{Op: "verify", Detail: "model " + id + " has no local artifact"}
	}
	err = integrity.VerifyDescriptor(m.LocalPath, m)
	if err == nil {
		return nil
	}
	if types.IsIntegrity(err) {
		_ = os.Remove(m.LocalPath)
		if _, uerr := r.store.Update(id, func(m *types.ModelDescriptor) error {
			m.LocalPath = ""
			return nil
		}); uerr != nil {
			r.log.Error().Err(uerr).Str("model", id).Msg("clear quarantined artifact path")
		}
		r.pub.Publish(types.Event{Category: types.EventModel, Name: "model.integrity_failed",
			CorrelationID: id, ModelID: id, Fields: map[string]any{"error": err.Error()}})
	}
	return err
}

// Delete removes a model's descriptor and cancels any live download.
// With purge the managed artifact directory goes too; without it the bytes
// stay on disk for a later re-register. Loaded models cannot be deleted;
// unload first.
func (r *Registry) Delete(id string, purge bool) error {
	m, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if r.loads.Loaded(id) {
		return &types.StateConflictError{Op: "delete", Detail: "model " + id + " is loaded"}
	}
	if task, ok := r.downloads.TaskForModel(id); ok {
		if err := r.downloads.Cancel(task.ID(), purge); err == nil {
			<-task.Done()
		}
	}
	// Artifacts managed by the daemon live under a per-model directory;
	// adopted local files are left where the user put them.
	if purge && m.Downloaded() && m.LocalPath == r.downloads.ArtifactPath(m) {
		_ = os.RemoveAll(filepath.Dir(m.LocalPath))
	}
	if err := r.store.Delete(id); err != nil {
		return err
	}
	r.pub.Publish(types.Event{Category: types.EventModel, Name: "model.deleted",
		CorrelationID: id, ModelID: id})
	return nil
}

// TouchLastUsed stamps usage on a model; called when a lease is granted.
func (r *Registry) TouchLastUsed(id string) {
	if _, err := r.store.Update(id, func(m *types.ModelDescriptor) error {
		m.LastUsedAt = time.Now().UTC()
		m.UseCount++
		return nil
	}); err != nil && !types.IsNotFound(err) {
		r.log.Warn().Err(err).Str("model", id).Msg("touch last used")
	}
}

// Reconcile aligns descriptors with the filesystem at startup. A descriptor
// pointing at a missing artifact is reset to undownloaded rather than left
// lying about availability.
func (r *Registry) Reconcile() error {
	all, err := r.store.List()
	if err != nil {
		return err
	}
	for _, m := range all {
		if !m.Downloaded() {
			continue
		}
		if fsutil.PathExists(m.LocalPath) {
			continue
		}
		r.log.Warn().Str("model", m.ID).Str("path", m.LocalPath).Msg("artifact missing, resetting download state")
		if _, err := r.store.Update(m.ID, func(m *types.ModelDescriptor) error {
			m.LocalPath = ""
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Storage reports per-model disk usage.
func (r *Registry) Storage() (types.StorageResponse, error) {
	all, err := r.store.List()
	if err != nil {
		return types.StorageResponse{}, err
	}
	var resp types.StorageResponse
	for _, m := range all {
		sm := types.StorageModel{ModelID: m.ID, Available: m.Downloaded()}
		switch {
		case m.Downloaded() && m.LocalPath == r.downloads.ArtifactPath(m):
			// Managed artifacts are measured as a directory so stray
			// part files count toward usage.
			if n, err := fsutil.DirSize(filepath.Dir(m.LocalPath)); err == nil {
				sm.Bytes = n
			}
		case m.Downloaded():
			if fi, err := os.Stat(m.LocalPath); err == nil {
				sm.Bytes = fi.Size()
			}
		default:
			if task, ok := r.downloads.TaskForModel(m.ID); ok {
				sm.Bytes = task.Status().BytesDownloaded
			}
		}
		resp.TotalBytes += sm.Bytes
		resp.Models = append(resp.Models, sm)
	}
	return resp, nil
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func formatFromName(name string) types.ModelFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gguf":
		return types.FormatGGUF
	case ".onnx":
		return types.FormatONNX
	case ".bin":
		return types.FormatBin
	default:
		return types.FormatBin
	}
}

