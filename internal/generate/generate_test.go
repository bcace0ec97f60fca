package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxd/internal/backend"
	"voxd/internal/download"
	"voxd/internal/eventbus"
	"voxd/internal/governor"
	"voxd/internal/registry"
	"voxd/internal/store"
	"voxd/pkg/types"
)

type fixture struct {
	svc *Service
	gov *governor.Governor
	reg *registry.Registry
	rec *eventbus.Recorder
}

func newFixture(t *testing.T, p *backend.MockProvider) *fixture {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := eventbus.NewRecorder()
	dl := download.NewManager(download.Config{Dir: t.TempDir()}, rec, zerolog.Nop())
	t.Cleanup(dl.Close)

	tbl := backend.NewTable()
	tbl.Register(p)
	gov := governor.New(governor.Config{BudgetMB: 1000}, tbl, rec, zerolog.Nop())
	t.Cleanup(gov.Close)

	reg := registry.New(st, dl, gov, rec, zerolog.Nop())
	return &fixture{
		svc: New(gov, reg, rec, zerolog.Nop(), Defaults{}),
		gov: gov,
		reg: reg,
		rec: rec,
	}
}

func seedModel(t *testing.T, f *fixture, id string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".gguf")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	require.NoError(t, f.reg.RegisterBuiltIn([]types.ModelDescriptor{{
		ID:          id,
		Name:        id,
		Category:    types.CategoryTextGeneration,
		LocalPath:   path,
		MemoryEstMB: 100,
		Backends:    []string{"mock"},
	}}))
}

func TestStreamDeliversTokensInOrder(t *testing.T) {
	p := &backend.MockProvider{Tokens: []string{"Hello", ", ", "world", "!"}}
	f := newFixture(t, p)
	seedModel(t, f, "llm")

	var got []string
	res, err := f.svc.Stream(context.Background(), types.GenerateRequest{Model: "llm", Prompt: "hi"},
		func(tok string) error {
			got = append(got, tok)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", strings.Join(got, ""))
	assert.Equal(t, "eos", res.FinishReason)
	assert.Equal(t, 0, f.gov.Refs("llm"), "lease returned after completion")
	assert.True(t, f.gov.Loaded("llm"), "model stays resident for the next request")
}

func TestStreamStopSequenceAcrossFragments(t *testing.T) {
	// "END" arrives split across three fragments.
	p := &backend.MockProvider{Tokens: []string{"alpha ", "beta E", "N", "D gamma"}}
	f := newFixture(t, p)
	seedModel(t, f, "llm")

	var out strings.Builder
	res, err := f.svc.Stream(context.Background(),
		types.GenerateRequest{Model: "llm", Prompt: "hi", Stop: []string{"END"}},
		func(tok string) error {
			out.WriteString(tok)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "alpha beta ", out.String(), "nothing at or after the stop sequence is emitted")
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, 0, f.gov.Refs("llm"))
}

func TestStreamHeldSuffixFlushedWithoutMatch(t *testing.T) {
	// Trailing "EN" looks like the start of "END" and must still be emitted.
	p := &backend.MockProvider{Tokens: []string{"value: ", "OP", "EN"}}
	f := newFixture(t, p)
	seedModel(t, f, "llm")

	var out strings.Builder
	_, err := f.svc.Stream(context.Background(),
		types.GenerateRequest{Model: "llm", Prompt: "hi", Stop: []string{"END"}},
		func(tok string) error {
			out.WriteString(tok)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "value: OPEN", out.String())
}

func TestStreamCancelReleasesLease(t *testing.T) {
	p := &backend.MockProvider{
		Tokens:     []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		TokenDelay: 20 * time.Millisecond,
	}
	f := newFixture(t, p)
	seedModel(t, f, "llm")

	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	_, err := f.svc.Stream(ctx, types.GenerateRequest{Model: "llm", Prompt: "hi"},
		func(tok string) error {
			seen++
			if seen == 2 {
				cancel()
			}
			return nil
		})
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.Less(t, seen, len(p.Tokens))
	assert.Equal(t, 0, f.gov.Refs("llm"), "cancellation must return the lease")
	require.NotEmpty(t, f.rec.Named("generate.cancelled"))
}

func TestStreamUnknownModel(t *testing.T) {
	f := newFixture(t, &backend.MockProvider{})
	_, err := f.svc.Stream(context.Background(), types.GenerateRequest{Model: "ghost", Prompt: "hi"},
		func(string) error { return nil })
	require.True(t, types.IsNotFound(err))
}

func TestStreamUndownloadedModelRefused(t *testing.T) {
	f := newFixture(t, &backend.MockProvider{Tokens: []string{"x"}})
	require.NoError(t, f.reg.RegisterBuiltIn([]types.ModelDescriptor{{
		ID: "remote-only", SourceURL: "https://models.example/r.gguf", Backends: []string{"mock"},
	}}))
	_, err := f.svc.Stream(context.Background(), types.GenerateRequest{Model: "remote-only", Prompt: "hi"},
		func(string) error { return nil })
	require.True(t, types.IsStateConflict(err))
}

func TestStreamDefaultModelAndUsageStamp(t *testing.T) {
	p := &backend.MockProvider{Tokens: []string{"ok"}}
	f := newFixture(t, p)
	seedModel(t, f, "default-llm")
	f.svc.defaults.Model = "default-llm"

	_, err := f.svc.Stream(context.Background(), types.GenerateRequest{Prompt: "hi"},
		func(string) error { return nil })
	require.NoError(t, err)

	m, err := f.reg.Find("default-llm")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.UseCount)
	assert.False(t, m.LastUsedAt.IsZero())
}

func TestStreamObserverErrorPropagates(t *testing.T) {
	p := &backend.MockProvider{Tokens: []string{"a", "b"}}
	f := newFixture(t, p)
	seedModel(t, f, "llm")

	boom := errors.New("client went away")
	_, err := f.svc.Stream(context.Background(), types.GenerateRequest{Model: "llm", Prompt: "hi"},
		func(string) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.gov.Refs("llm"))
}
