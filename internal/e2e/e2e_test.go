// Package e2e drives the assembled daemon through its HTTP surface the way
// a client would: register, download, load, generate, inspect, delete.
package e2e

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxd/internal/backend"
	"voxd/internal/download"
	"voxd/internal/eventbus"
	"voxd/internal/generate"
	"voxd/internal/governor"
	"voxd/internal/httpapi"
	"voxd/internal/pipeline"
	"voxd/internal/registry"
	"voxd/internal/store"
	"voxd/pkg/types"
)

type daemon struct {
	ts  *httptest.Server
	gov *governor.Governor
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	dl := download.NewManager(download.Config{
		Dir:            t.TempDir(),
		ChunkSize:      8192,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, bus, zerolog.Nop())
	t.Cleanup(dl.Close)

	tbl := backend.NewTable()
	tbl.Register(&backend.MockProvider{Name: "mock", Tokens: []string{"forty", "-", "two"}})

	gov := governor.New(governor.Config{BudgetMB: 2048}, tbl, bus, zerolog.Nop())
	t.Cleanup(gov.Close)

	reg := registry.New(st, dl, gov, bus, zerolog.Nop())
	gen := generate.New(gov, reg, bus, zerolog.Nop(), generate.Defaults{})
	orch := pipeline.New(pipeline.Config{}, gov, reg, gen, bus, zerolog.Nop())
	t.Cleanup(orch.Close)

	api := httpapi.New(reg, gov, dl, gen, orch, bus, zerolog.Nop(), httpapi.Options{})
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return &daemon{ts: ts, gov: gov}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

// Full lifecycle: a model goes from a remote URL to generating tokens and
// back out of the registry, all through the public API.
func TestModelLifecycleOverHTTP(t *testing.T) {
	d := startDaemon(t)

	payload := make([]byte, 1_000_000)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer origin.Close()
	sum := sha256.Sum256(payload)

	// Register.
	resp := postJSON(t, d.ts.URL+"/models", types.RegisterRequest{
		Source:   origin.URL + "/assistant.gguf",
		SHA256:   hex.EncodeToString(sum[:]),
		Backends: []string{"mock"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m types.ModelDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	resp.Body.Close()
	require.Equal(t, "assistant.gguf", m.ID)
	require.False(t, m.Downloaded())

	// Download, consuming the progress stream to the end.
	dresp, err := http.Post(d.ts.URL+"/models/assistant.gguf/download", "application/json", nil)
	require.NoError(t, err)
	var last types.Progress
	sc := bufio.NewScanner(dresp.Body)
	for sc.Scan() {
		require.NoError(t, json.Unmarshal(sc.Bytes(), &last))
	}
	dresp.Body.Close()
	require.Equal(t, types.DownloadCompleted, last.State)

	// The registry needs a moment to observe completion.
	require.Eventually(t, func() bool {
		gresp, err := http.Get(d.ts.URL + "/models/assistant.gguf")
		if err != nil {
			return false
		}
		defer gresp.Body.Close()
		var got types.ModelDescriptor
		if json.NewDecoder(gresp.Body).Decode(&got) != nil {
			return false
		}
		return got.Downloaded()
	}, 2*time.Second, 10*time.Millisecond)

	// Generate without an explicit load: the governor loads on demand.
	genResp := postJSON(t, d.ts.URL+"/generate", types.GenerateRequest{
		Model: "assistant.gguf", Prompt: "what is the answer",
	})
	require.Equal(t, http.StatusOK, genResp.StatusCode)
	var content string
	sc = bufio.NewScanner(genResp.Body)
	for sc.Scan() {
		var line struct {
			Token   string `json:"token,omitempty"`
			Done    bool   `json:"done,omitempty"`
			Content string `json:"content,omitempty"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line.Done {
			content = line.Content
		}
	}
	genResp.Body.Close()
	assert.Equal(t, "forty-two", content)
	assert.Equal(t, 0, d.gov.Refs("assistant.gguf"))

	// Status shows the model resident after use.
	sresp, err := http.Get(d.ts.URL + "/status")
	require.NoError(t, err)
	var st types.StatusResponse
	require.NoError(t, json.NewDecoder(sresp.Body).Decode(&st))
	sresp.Body.Close()
	require.Len(t, st.Models, 1)
	assert.Equal(t, "assistant.gguf", st.Models[0].ModelID)

	// Unload, then delete with purge.
	uresp, err := http.Post(d.ts.URL+"/models/assistant.gguf/unload", "application/json", nil)
	require.NoError(t, err)
	uresp.Body.Close()
	require.Equal(t, http.StatusOK, uresp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, d.ts.URL+"/models/assistant.gguf?purge=1", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	gresp, err := http.Get(d.ts.URL + "/models/assistant.gguf")
	require.NoError(t, err)
	gresp.Body.Close()
	assert.Equal(t, http.StatusNotFound, gresp.StatusCode)
}

// Deleting a loaded model is refused until it is unloaded.
func TestDeleteRefusedWhileResident(t *testing.T) {
	d := startDaemon(t)

	// A local-file model skips the download machinery.
	f := filepath.Join(t.TempDir(), "local.gguf")
	require.NoError(t, os.WriteFile(f, make([]byte, 4096), 0o644))
	resp := postJSON(t, d.ts.URL+"/models", types.RegisterRequest{
		Source: f, Backends: []string{"mock"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	lresp, err := http.Post(d.ts.URL+"/models/local.gguf/load", "application/json", nil)
	require.NoError(t, err)
	lresp.Body.Close()
	require.Equal(t, http.StatusOK, lresp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, d.ts.URL+"/models/local.gguf", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)

	uresp, err := http.Post(d.ts.URL+"/models/local.gguf/unload", "application/json", nil)
	require.NoError(t, err)
	uresp.Body.Close()

	delResp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}
