package pipeline

import (
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
	"voxd/internal/registry"
	"voxd/internal/store"
	"voxd/pkg/types"
)

type fixture struct {
	orch *Orchestrator
	gov  *governor.Governor
	rec  *eventbus.Recorder
	vad  *backend.MockProvider
	stt  *backend.MockProvider
	llm  *backend.MockProvider
	tts  *backend.MockProvider
}

func newFixture(t *testing.T, budgetMB int) *fixture {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := eventbus.NewRecorder()
	dl := download.NewManager(download.Config{Dir: t.TempDir()}, rec, zerolog.Nop())
	t.Cleanup(dl.Close)

	f := &fixture{
		rec: rec,
		vad: &backend.MockProvider{Name: "vad-engine"},
		stt: &backend.MockProvider{Name: "stt-engine", Transcript: "turn on the lights"},
		llm: &backend.MockProvider{Name: "llm-engine", Tokens: []string{"Sure", ", ", "lights on."}},
		tts: &backend.MockProvider{Name: "tts-engine", BytesPerChar: 16},
	}
	tbl := backend.NewTable()
	for _, p := range []*backend.MockProvider{f.vad, f.stt, f.llm, f.tts} {
		tbl.Register(p)
	}
	f.gov = governor.New(governor.Config{BudgetMB: budgetMB}, tbl, rec, zerolog.Nop())
	t.Cleanup(f.gov.Close)

	reg := registry.New(st, dl, f.gov, rec, zerolog.Nop())
	require.NoError(t, reg.RegisterBuiltIn([]types.ModelDescriptor{
		{ID: "vad", Category: types.CategoryVoiceActivity, LocalPath: "/models/vad.onnx", MemoryEstMB: 10, Backends: []string{"vad-engine"}},
		{ID: "stt", Category: types.CategorySpeechToText, LocalPath: "/models/stt.bin", MemoryEstMB: 50, Backends: []string{"stt-engine"}},
		{ID: "llm", Category: types.CategoryTextGeneration, LocalPath: "/models/llm.gguf", MemoryEstMB: 100, Backends: []string{"llm-engine"}},
		{ID: "tts", Category: types.CategoryTextToSpeech, LocalPath: "/models/tts.onnx", MemoryEstMB: 20, Backends: []string{"tts-engine"}},
		{ID: "remote", SourceURL: "https://models.example/r.gguf", Backends: []string{"llm-engine"}},
	}))

	gen := generate.New(f.gov, reg, rec, zerolog.Nop(), generate.Defaults{})
	f.orch = New(Config{
		SilenceTimeout:  500 * time.Millisecond,
		EndpointSilence: 60 * time.Millisecond,
	}, f.gov, reg, gen, rec, zerolog.Nop())
	t.Cleanup(f.orch.Close)
	return f
}

func loudFrame() backend.AudioFrame {
	f := make(backend.AudioFrame, 160)
	for i := range f {
		f[i] = 0.5
	}
	return f
}

func silentFrame() backend.AudioFrame { return make(backend.AudioFrame, 160) }

func waitSession(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not settle")
	}
}

func statesSeen(rec *eventbus.Recorder, sessionID string) []string {
	var out []string
	for _, e := range rec.Named("pipeline.state") {
		if e.CorrelationID == sessionID {
			out = append(out, e.Fields["to"].(string))
		}
	}
	return out
}

func TestSilenceOnlySessionReturnsToIdle(t *testing.T) {
	f := newFixture(t, 1000)
	s, err := f.orch.Start(types.PipelineConfig{
		VADModel: "vad", STTModel: "stt", LLMModel: "llm",
		SilenceTimeoutMs: 100,
	})
	require.NoError(t, err)

	go func() {
		for i := 0; i < 20; i++ {
			if s.PushFrame(silentFrame()) != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	waitSession(t, s)

	assert.Equal(t, types.PipelineIdle, s.State())
	assert.Empty(t, s.Transcript())
	assert.NotContains(t, statesSeen(f.rec, s.ID()), "generating",
		"a silent session must never reach the generating stage")
	assert.Equal(t, 0, f.gov.Refs("llm"))
}

func TestUtteranceRunsAllStages(t *testing.T) {
	f := newFixture(t, 1000)
	s, err := f.orch.Start(types.PipelineConfig{
		VADModel: "vad", STTModel: "stt", LLMModel: "llm", TTSModel: "tts",
	})
	require.NoError(t, err)

	var audioBytes int
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for chunk := range s.Audio() {
			audioBytes += len(chunk)
		}
	}()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.PushFrame(loudFrame()))
		time.Sleep(5 * time.Millisecond)
	}
	// Stop pushing; trailing silence triggers the endpoint.
	waitSession(t, s)
	<-drained

	assert.Equal(t, types.PipelineIdle, s.State())
	assert.Equal(t, "turn on the lights", s.Transcript())
	assert.Equal(t, "Sure, lights on.", s.Response())
	assert.Greater(t, audioBytes, 0)
	assert.Equal(t, []string{"listening", "transcribing", "generating", "speaking", "idle"},
		statesSeen(f.rec, s.ID()))
	for _, id := range []string{"vad", "stt", "llm", "tts"} {
		assert.Equal(t, 0, f.gov.Refs(id), "stage lease for %s must be returned", id)
	}
}

func TestExplicitEndpointWithoutVAD(t *testing.T) {
	f := newFixture(t, 1000)
	s, err := f.orch.Start(types.PipelineConfig{STTModel: "stt", LLMModel: "llm"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.PushFrame(loudFrame()))
	}
	time.Sleep(20 * time.Millisecond)
	s.EndUtterance()
	waitSession(t, s)

	assert.Equal(t, types.PipelineIdle, s.State())
	assert.Equal(t, "turn on the lights", s.Transcript())
	assert.NotContains(t, statesSeen(f.rec, s.ID()), "listening")
}

func TestCancelDuringGeneratingReleasesRef(t *testing.T) {
	f := newFixture(t, 1000)
	f.llm.Tokens = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	f.llm.TokenDelay = 30 * time.Millisecond

	s, err := f.orch.Start(types.PipelineConfig{
		VADModel: "vad", STTModel: "stt", LLMModel: "llm",
	})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.PushFrame(loudFrame()))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return s.State() == types.PipelineGenerating
	}, 5*time.Second, 5*time.Millisecond)
	s.Cancel()
	waitSession(t, s)

	assert.Equal(t, types.PipelineCancelled, s.State())
	assert.Equal(t, 0, f.gov.Refs("llm"), "cancelled generation must release the model reference")
	assert.Equal(t, 0, f.gov.Refs("stt"))
	assert.Equal(t, 0, f.gov.Refs("vad"))
}

func TestStageFailureGoesThroughErrorToIdle(t *testing.T) {
	// Budget too small for the LLM: transcription succeeds, generation fails
	// with a capacity error, and the session recovers to idle.
	f := newFixture(t, 80)
	s, err := f.orch.Start(types.PipelineConfig{STTModel: "stt", LLMModel: "llm"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.PushFrame(loudFrame()))
	}
	s.EndUtterance()
	waitSession(t, s)

	assert.Equal(t, types.PipelineIdle, s.State())
	require.Error(t, s.Err())
	assert.True(t, types.IsCapacity(s.Err()))
	states := statesSeen(f.rec, s.ID())
	assert.Contains(t, states, "error")
	assert.Equal(t, "idle", states[len(states)-1])
	require.NotEmpty(t, f.rec.Named("pipeline.error"))
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, 1000)

	_, err := f.orch.Start(types.PipelineConfig{STTModel: "stt"})
	require.True(t, types.IsStateConflict(err), "llm stage is mandatory")

	_, err = f.orch.Start(types.PipelineConfig{STTModel: "stt", LLMModel: "ghost"})
	require.True(t, types.IsNotFound(err))

	_, err = f.orch.Start(types.PipelineConfig{STTModel: "stt", LLMModel: "remote"})
	require.True(t, types.IsStateConflict(err), "undownloaded models cannot serve a session")
}

func TestSessionLifecycleManagement(t *testing.T) {
	f := newFixture(t, 1000)
	s, err := f.orch.Start(types.PipelineConfig{
		VADModel: "vad", STTModel: "stt", LLMModel: "llm", SilenceTimeoutMs: 50,
	})
	require.NoError(t, err)

	got, err := f.orch.Get(s.ID())
	require.NoError(t, err)
	require.Same(t, s, got)

	// Releasing a live session is refused.
	err = f.orch.Release(s.ID())
	if err == nil {
		// The session may already have timed out to idle; that is fine.
		waitSession(t, s)
	} else {
		require.True(t, types.IsStateConflict(err))
		waitSession(t, s)
		require.NoError(t, f.orch.Release(s.ID()))
	}
	_, err = f.orch.Get(s.ID())
	require.True(t, types.IsNotFound(err))

	// Frames into a finished session are refused.
	require.True(t, types.IsStateConflict(s.PushFrame(silentFrame())))
}
