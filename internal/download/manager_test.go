package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voxd/internal/eventbus"
	"voxd/internal/integrity"
	"voxd/pkg/types"
)

// artifactServer serves a fixed payload with Range support and optional
// fault injection on the first request.
type artifactServer struct {
	payload    []byte
	failAfter  int64 // abort the first request after this many bytes, 0 = never
	shortFirst int64 // end the first response cleanly after this many bytes, 0 = never
	requests   atomic.Int64
	served     atomic.Int64
	ranges     []string
}

func (s *artifactServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	offset := int64(0)
	if rng := r.Header.Get("Range"); rng != "" {
		s.ranges = append(s.ranges, rng)
		v := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
		offset, _ = strconv.ParseInt(v, 10, 64)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, int64(len(s.payload))-1, len(s.payload)))
		w.Header().Set("Content-Length", strconv.Itoa(len(s.payload) - int(offset)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.payload)))
		w.WriteHeader(http.StatusOK)
	}
	body := s.payload[offset:]
	if n == 1 && s.failAfter > 0 && s.failAfter < int64(len(body)) {
		w.Write(body[:s.failAfter])
		s.served.Add(s.failAfter)
		panic(http.ErrAbortHandler)
	}
	if n == 1 && s.shortFirst > 0 && s.shortFirst < int64(len(body)) {
		// Declared length stands; the body just stops early.
		w.Write(body[:s.shortFirst])
		s.served.Add(s.shortFirst)
		return
	}
	w.Write(body)
	s.served.Add(int64(len(body)))
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(b)
	return b
}

func sha256Digest(b []byte) types.Digest {
	sum := sha256.Sum256(b)
	return types.Digest{Algo: types.DigestSHA256, Hex: hex.EncodeToString(sum[:])}
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m := NewManager(Config{
		Dir:              dir,
		ChunkSize:        4096,
		MaxRetries:       3,
		RetryBaseDelay:   10 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
	}, eventbus.Nop{}, zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func descriptorFor(id, url string, payload []byte) *types.ModelDescriptor {
	return &types.ModelDescriptor{
		ID:           id,
		Name:         id,
		Category:     types.CategoryTextGeneration,
		Format:       types.FormatGGUF,
		SourceURL:    url,
		DownloadSize: int64(len(payload)),
		Digests:      []types.Digest{sha256Digest(payload)},
	}
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("download task did not settle")
	}
}

func TestDownloadCompletesAndVerifies(t *testing.T) {
	payload := testPayload(1_000_000)
	srv := httptest.NewServer(&artifactServer{payload: payload})
	defer srv.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("m1", srv.URL+"/m1.gguf", payload)

	task, err := m.Enqueue(desc)
	require.NoError(t, err)
	waitDone(t, task)
	require.NoError(t, task.Err())
	require.Equal(t, types.DownloadCompleted, task.Status().State)

	got, err := os.ReadFile(m.ArtifactPath(desc))
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, integrity.VerifyDescriptor(m.ArtifactPath(desc), desc))
}

func TestEnqueueIsIdempotentPerModel(t *testing.T) {
	payload := testPayload(200_000)
	srv := httptest.NewServer(&artifactServer{payload: payload})
	defer srv.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("dup", srv.URL+"/dup.gguf", payload)

	t1, err := m.Enqueue(desc)
	require.NoError(t, err)
	t2, err := m.Enqueue(desc)
	require.NoError(t, err)
	require.Same(t, t1, t2)

	waitDone(t, t1)
	require.NoError(t, t1.Err())

	// Terminal task: a fresh enqueue starts a new one.
	t3, err := m.Enqueue(desc)
	require.NoError(t, err)
	require.NotSame(t, t1, t3)
	waitDone(t, t3)
}

func TestEnqueueRejectsModelWithoutSource(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.Enqueue(&types.ModelDescriptor{ID: "local-only"})
	require.True(t, types.IsStateConflict(err))
}

func TestInterruptedTransferResumesWithRange(t *testing.T) {
	payload := testPayload(500_000)
	srv := &artifactServer{payload: payload, failAfter: 300_000}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("resume", ts.URL+"/resume.gguf", payload)

	task, err := m.Enqueue(desc)
	require.NoError(t, err)
	waitDone(t, task)
	require.NoError(t, task.Err())

	// The retry must have asked for a suffix, not the whole artifact.
	require.NotEmpty(t, srv.ranges)
	require.Less(t, srv.served.Load(), int64(len(payload))+300_000,
		"resume should transfer less than a full restart would")

	got, err := os.ReadFile(m.ArtifactPath(desc))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestShortBodyRetriesInsteadOfFailingVerification(t *testing.T) {
	payload := testPayload(200_000)
	srv := &artifactServer{payload: payload, shortFirst: 100_000}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("trunc", ts.URL+"/trunc.gguf", payload)

	task, err := m.Enqueue(desc)
	require.NoError(t, err)
	waitDone(t, task)
	require.NoError(t, task.Err())
	require.Equal(t, types.DownloadCompleted, task.Status().State)

	// The clean-but-short body must count as a broken connection: a second
	// request resumes from the partial bytes rather than hashing them.
	require.GreaterOrEqual(t, srv.requests.Load(), int64(2))
	require.NotEmpty(t, srv.ranges)

	got, err := os.ReadFile(m.ArtifactPath(desc))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCancelKeepsPartialBytes(t *testing.T) {
	payload := testPayload(4 << 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload[:64*1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Hold the rest until the client goes away.
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("partial", srv.URL+"/partial.gguf", payload)

	task, err := m.Enqueue(desc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return task.Status().BytesDownloaded > 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(task.ID(), false))
	waitDone(t, task)
	require.ErrorIs(t, task.Err(), types.ErrCancelled)
	require.Equal(t, types.DownloadFailed, task.Status().State)

	fi, err := os.Stat(m.ArtifactPath(desc) + ".part")
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))

	// Cancelling a settled task is a conflict, not a no-op.
	require.True(t, types.IsStateConflict(m.Cancel(task.ID(), false)))
}

func TestCancelWithPurgeRemovesPartialBytes(t *testing.T) {
	payload := testPayload(4 << 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload[:64*1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("purged", srv.URL+"/purged.gguf", payload)

	task, err := m.Enqueue(desc)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return task.Status().BytesDownloaded > 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(task.ID(), true))
	waitDone(t, task)

	_, err = os.Stat(m.ArtifactPath(desc) + ".part")
	require.True(t, os.IsNotExist(err))
}

func TestDigestMismatchFailsAndRemovesArtifact(t *testing.T) {
	payload := testPayload(100_000)
	srv := httptest.NewServer(&artifactServer{payload: payload})
	defer srv.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("corrupt", srv.URL+"/corrupt.gguf", payload)
	desc.Digests = []types.Digest{{Algo: types.DigestSHA256, Hex: strings.Repeat("ab", 32)}}

	task, err := m.Enqueue(desc)
	require.NoError(t, err)
	waitDone(t, task)

	require.True(t, types.IsIntegrity(task.Err()))
	require.Equal(t, types.DownloadFailed, task.Status().State)
	_, err = os.Stat(m.ArtifactPath(desc) + ".part")
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.ArtifactPath(desc))
	require.True(t, os.IsNotExist(err))
}

func TestProgressObserverSeesSnapshotThenTerminal(t *testing.T) {
	payload := testPayload(300_000)
	srv := httptest.NewServer(&artifactServer{payload: payload})
	defer srv.Close()

	m := newTestManager(t, t.TempDir())
	desc := descriptorFor("observed", srv.URL+"/observed.gguf", payload)

	task, err := m.Enqueue(desc)
	require.NoError(t, err)

	var last types.Progress
	for p := range m.Progress(task) {
		require.Equal(t, task.ID(), p.TaskID)
		last = p
	}
	require.Equal(t, types.DownloadCompleted, last.State)
	require.Equal(t, int64(len(payload)), last.BytesDownloaded)

	// Late subscription on a settled task yields exactly the terminal snapshot.
	late := m.Progress(task)
	p, ok := <-late
	require.True(t, ok)
	require.Equal(t, types.DownloadCompleted, p.State)
	_, ok = <-late
	require.False(t, ok)
}

func TestResumePicksUpPartFileAcrossManagers(t *testing.T) {
	payload := testPayload(400_000)
	srv := &artifactServer{payload: payload}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dir := t.TempDir()
	desc := descriptorFor("restart", ts.URL+"/restart.gguf", payload)

	// Simulate a prior run that got half way: seed the part file directly.
	m := newTestManager(t, dir)
	part := m.ArtifactPath(desc) + ".part"
	require.NoError(t, os.MkdirAll(filepath.Dir(part), 0o755))
	require.NoError(t, os.WriteFile(part, payload[:200_000], 0o644))

	task, err := m.Enqueue(desc)
	require.NoError(t, err)
	waitDone(t, task)
	require.NoError(t, task.Err())

	require.Less(t, srv.served.Load(), int64(len(payload)), "seeded bytes must not be re-fetched")
	got, err := os.ReadFile(m.ArtifactPath(desc))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
