// Package download moves model artifacts from their remote source onto disk:
// resumable, integrity-verified, concurrency-bounded transfers with progress
// reporting over the event bus and per-task observer channels.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"voxd/internal/eventbus"
	"voxd/internal/integrity"
	"voxd/pkg/types"
)

// Defaults applied when the corresponding Config fields are unset.
const (
	defaultMaxConcurrent    = 2
	defaultChunkSize        = 1 << 20
	defaultMaxRetries       = 4
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultProgressInterval = 250 * time.Millisecond
)

// Config holds the transfer tunables.
type Config struct {
	// Dir is the artifact tree root; each model gets Dir/<model-id>/.
	Dir string
	// MaxConcurrent bounds simultaneously active transfers.
	MaxConcurrent int64
	// ChunkSize is the unit of transfer; bytes-on-disk are committed after
	// every chunk so an interrupted process resumes instead of restarting.
	ChunkSize int
	// MaxRetries bounds retry attempts for transient network failures.
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// ProgressInterval throttles progress emission.
	ProgressInterval time.Duration
	// Client is the HTTP client; http.DefaultClient when nil.
	Client *http.Client
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = defaultMaxConcurrent
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = defaultChunkSize
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = defaultRetryBaseDelay
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = defaultProgressInterval
	}
	if out.Client == nil {
		out.Client = http.DefaultClient
	}
	return out
}

// Manager owns every DownloadTask. At most one non-terminal task exists per
// model id; duplicate enqueues attach to the existing task.
type Manager struct {
	cfg Config
	pub eventbus.Publisher
	log zerolog.Logger
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]*Task // model id -> non-terminal task
	history map[string]*Task // task id -> task, terminal included
}

// NewManager constructs a download manager rooted at cfg.Dir.
func NewManager(cfg Config, pub eventbus.Publisher, log zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		pub:     pub,
		log:     log.With().Str("component", "download").Logger(),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
		active:  map[string]*Task{},
		history: map[string]*Task{},
	}
}

// ArtifactPath returns where the verified artifact for m lives or will live.
func (m *Manager) ArtifactPath(model *types.ModelDescriptor) string {
	name := path.Base(model.SourceURL)
	if name == "." || name == "/" || name == "" {
		name = model.ID + "." + string(model.Format)
	}
	return filepath.Join(m.cfg.Dir, model.ID, name)
}

// Enqueue starts (or joins) the transfer for model. Models without a remote
// source cannot be downloaded. Enqueue is idempotent per model id: while a
// task is live, callers get the existing handle and no second transfer runs.
func (m *Manager) Enqueue(model *types.ModelDescriptor) (*Task, error) {
	if model.SourceURL == "" {
		return nil, &types.StateConflictError{Op: "enqueue", Detail: "model " + model.ID + " has no remote source"}
	}
	if len(model.Digests) == 0 {
		return nil, &types.StateConflictError{Op: "enqueue", Detail: "model " + model.ID + " declares no integrity digest"}
	}
	m.mu.Lock()
	if t, ok := m.active[model.ID]; ok {
		m.mu.Unlock()
		return t, nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	t := &Task{
		id:      uuid.NewString(),
		modelID: model.ID,
		url:     model.SourceURL,
		dest:    m.ArtifactPath(model),
		state:   types.DownloadQueued,
		total:   model.DownloadSize,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.active[model.ID] = t
	m.history[t.id] = t
	m.mu.Unlock()

	digests := append([]types.Digest(nil), model.Digests...)
	go m.run(ctx, t, model.ID, digests)
	return t, nil
}

// Lookup resolves a task id; terminal tasks remain resolvable.
func (m *Manager) Lookup(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.history[taskID]
	if !ok {
		return nil, &types.NotFoundError{Kind: "task", ID: taskID}
	}
	return t, nil
}

// TaskForModel returns the live task for a model id, if any.
func (m *Manager) TaskForModel(modelID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[modelID]
	return t, ok
}

// Progress attaches an observer to t. The channel immediately yields the
// current snapshot, then deltas, and is closed once the task is terminal.
// Late observers on a finished task get exactly the terminal snapshot.
func (m *Manager) Progress(t *Task) <-chan types.Progress {
	ch := make(chan types.Progress, 16)
	t.mu.Lock()
	ch <- t.progressLocked()
	if t.state.Terminal() {
		t.mu.Unlock()
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Cancel stops a task. Bytes already on disk stay there for a later resume
// unless purge is set.
func (m *Manager) Cancel(taskID string, purge bool) error {
	t, err := m.Lookup(taskID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return &types.StateConflictError{Op: "cancel", Detail: "task " + taskID + " already " + string(t.state)}
	}
	t.purge = purge
	t.mu.Unlock()
	t.cancel()
	return nil
}

// Snapshot lists every known task for the status endpoint.
func (m *Manager) Snapshot() []types.DownloadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DownloadStatus, 0, len(m.history))
	for _, t := range m.history {
		out = append(out, t.Status())
	}
	return out
}

// Close cancels every live transfer and waits for none of them; partial
// bytes stay on disk for resumption after restart.
func (m *Manager) Close() { m.cancel() }

// run drives one task to a terminal state.
func (m *Manager) run(ctx context.Context, t *Task, modelID string, digests []types.Digest) {
	detach := func() {
		m.mu.Lock()
		if m.active[modelID] == t {
			delete(m.active, modelID)
		}
		m.mu.Unlock()
	}
	defer detach()

	// FIFO admission under the global transfer bound.
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(t, m.cancelOr(t, err))
		return
	}
	defer m.sem.Release(1)

	var err error
	for attempt := 0; ; attempt++ {
		err = m.transfer(ctx, t)
		if err == nil || !types.IsNetwork(err) || attempt >= m.cfg.MaxRetries {
			break
		}
		// Transient fault: back off exponentially, keeping partial progress.
		delay := m.cfg.RetryBaseDelay << attempt
		m.log.Warn().Str("task", t.id).Str("model", t.modelID).Err(err).
			Dur("backoff", delay).Int("attempt", attempt+1).Msg("transfer interrupted, will retry")
		t.setState(types.DownloadPaused)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.fail(t, m.cancelOr(t, ctx.Err()))
			return
		}
	}
	if err != nil {
		m.fail(t, m.cancelOr(t, err))
		return
	}

	// Mandatory verification: a downloaded-but-unverified artifact is never
	// exposed. Digest mismatch is terminal, not retryable.
	if err := m.verifyPart(t, modelID, digests); err != nil {
		if types.IsIntegrity(err) {
			_ = os.Remove(t.dest + ".part")
			m.pub.Publish(types.Event{Category: types.EventDownload, Name: "download.integrity_failed",
				CorrelationID: t.id, ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
		}
		m.fail(t, err)
		return
	}
	if err := os.Rename(t.dest+".part", t.dest); err != nil {
		m.fail(t, err)
		return
	}

	t.finish(types.DownloadCompleted, nil)
	metricCompleted.Inc()
	m.log.Info().Str("task", t.id).Str("model", t.modelID).Msg("download completed")
	m.pub.Publish(types.Event{Category: types.EventDownload, Name: "download.completed",
		CorrelationID: t.id, ModelID: modelID,
		Fields: map[string]any{"bytes": t.Status().BytesDownloaded, "path": t.dest}})
}

// cancelOr maps a context error on a cancelled task to the cancellation
// marker, leaving other errors untouched.
func (m *Manager) cancelOr(t *Task, err error) error {
	if errors.Is(err, context.Canceled) {
		return types.ErrCancelled
	}
	return err
}

func (m *Manager) fail(t *Task, err error) {
	t.finish(types.DownloadFailed, err)
	metricFailed.Inc()
	name := "download.failed"
	if errors.Is(err, types.ErrCancelled) {
		name = "download.cancelled"
		t.mu.Lock()
		purge := t.purge
		t.mu.Unlock()
		if purge {
			_ = os.Remove(t.dest + ".part")
		}
	}
	m.log.Warn().Str("task", t.id).Str("model", t.modelID).Err(err).Msg("download did not complete")
	m.pub.Publish(types.Event{Category: types.EventDownload, Name: name,
		CorrelationID: t.id, ModelID: t.modelID, Fields: map[string]any{"error": err.Error()}})
}

func (m *Manager) verifyPart(t *Task, modelID string, digests []types.Digest) error {
	desc := types.ModelDescriptor{ID: modelID, Digests: digests}
	return integrity.VerifyDescriptor(t.dest+".part", &desc)
}

// transfer performs one attempt, resuming from whatever the part file
// already holds. The persisted offset is the part file size truncated to a
// whole number of chunks: a torn final chunk from a killed process is
// rewritten rather than trusted.
func (m *Manager) transfer(ctx context.Context, t *Task) error {
	part := t.dest + ".part"
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return err
	}

	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size() - fi.Size()%int64(m.cfg.ChunkSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &types.NetworkError{URL: t.url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// resuming at offset
	case resp.StatusCode == http.StatusOK:
		// Source ignored the range request; start over.
		offset = 0
	case resp.StatusCode >= 500:
		return &types.NetworkError{URL: t.url, Err: fmt.Errorf("status %s", resp.Status)}
	default:
		return fmt.Errorf("download %s: unexpected status %s", t.url, resp.Status)
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	t.mu.Lock()
	t.bytes = offset
	t.samples = nil
	if total := offset + resp.ContentLength; resp.ContentLength > 0 && total > t.total {
		t.total = total
	}
	started := t.startedAt
	t.startedAt = time.Now()
	t.state = types.DownloadActive
	t.mu.Unlock()

	if started.IsZero() {
		m.pub.Publish(types.Event{Category: types.EventDownload, Name: "download.started",
			CorrelationID: t.id, ModelID: t.modelID,
			Fields: map[string]any{"url": t.url, "offset": offset}})
	}
	t.notify()

	buf := make([]byte, m.cfg.ChunkSize)
	lastEmit := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			// Commit the chunk so a crash resumes from here.
			if serr := f.Sync(); serr != nil {
				return serr
			}
			t.recordBytes(int64(n))
			metricBytes.Add(float64(n))
			if time.Since(lastEmit) >= m.cfg.ProgressInterval {
				lastEmit = time.Now()
				t.notify()
				m.publishProgress(t)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			t.notify()
			m.publishProgress(t)
			// A body that ends short of the declared length is a broken
			// connection, not a finished transfer. Leave the part file for
			// the retry to resume from.
			t.mu.Lock()
			bytes, total := t.bytes, t.total
			t.mu.Unlock()
			if total > 0 && bytes < total {
				return &types.NetworkError{URL: t.url,
					Err: fmt.Errorf("body ended at %d of %d bytes", bytes, total)}
			}
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &types.NetworkError{URL: t.url, Err: rerr}
		}
	}
}

func (m *Manager) publishProgress(t *Task) {
	t.mu.Lock()
	p := t.progressLocked()
	t.mu.Unlock()
	m.pub.Publish(types.Event{Category: types.EventDownload, Name: "download.progress",
		CorrelationID: t.id, ModelID: t.modelID,
		Fields: map[string]any{"bytes": p.BytesDownloaded, "total": p.TotalBytes, "speed_bps": p.SpeedBps}})
}
