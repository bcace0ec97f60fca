package download

import (
	"sync"
	"time"

	"voxd/pkg/types"
)

// Task is one transfer for one model. It is owned exclusively by the
// Manager; callers hold it only to observe.
type Task struct {
	id      string
	modelID string
	url     string
	// dest is the final artifact path; the transfer streams into dest+".part"
	// and renames only after the digest checks out.
	dest string

	mu        sync.Mutex
	state     types.DownloadState
	bytes     int64
	total     int64
	err       error
	startedAt time.Time
	samples   []sample // sliding window for speed/ETA
	subs      []chan types.Progress

	cancel func()
	purge  bool
	done   chan struct{}
}

type sample struct {
	t     time.Time
	bytes int64
}

const speedWindow = 3 * time.Second

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// ModelID returns the model this task provisions.
func (t *Task) ModelID() string { return t.modelID }

// Dest returns the final artifact path.
func (t *Task) Dest() string { return t.dest }

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the terminal error, nil while running or on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns a point-in-time view of the task.
func (t *Task) Status() types.DownloadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Task) statusLocked() types.DownloadStatus {
	s := types.DownloadStatus{
		TaskID:          t.id,
		ModelID:         t.modelID,
		State:           t.state,
		BytesDownloaded: t.bytes,
		TotalBytes:      t.total,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

func (t *Task) progressLocked() types.Progress {
	p := types.Progress{
		TaskID:          t.id,
		ModelID:         t.modelID,
		State:           t.state,
		BytesDownloaded: t.bytes,
		TotalBytes:      t.total,
	}
	if t.err != nil {
		p.Error = t.err.Error()
	}
	if speed := t.speedLocked(); speed > 0 {
		p.SpeedBps = speed
		if t.total > t.bytes {
			p.ETASeconds = float64(t.total-t.bytes) / speed
		}
	}
	return p
}

func (t *Task) speedLocked() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	dt := last.t.Sub(first.t).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / dt
}

func (t *Task) recordBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes += n
	now := time.Now()
	t.samples = append(t.samples, sample{t: now, bytes: t.bytes})
	for len(t.samples) > 2 && now.Sub(t.samples[0].t) > speedWindow {
		t.samples = t.samples[1:]
	}
}

// notify fans the current progress out to attached observers without ever
// blocking the transfer loop.
func (t *Task) notify() {
	t.mu.Lock()
	p := t.progressLocked()
	subs := t.subs
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// finish moves the task to a terminal state, delivers the final progress to
// every observer and closes their channels. Progress sequences always end
// with an explicit terminal emission, never by silently stopping.
func (t *Task) finish(state types.DownloadState, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	p := t.progressLocked()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// Full buffer: evict the oldest update so the terminal
			// snapshot still lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
		close(ch)
	}
	close(t.done)
}

func (t *Task) setState(s types.DownloadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.notify()
}

func (t *Task) currentState() types.DownloadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
