//go:build llama

// Package llama provides the in-process llama.cpp text-generation backend.
// It is compiled only with the 'llama' build tag so default builds and CI
// stay CGO-free; see stub.go for the default.
package llama

import (
	"context"
	"errors"
	"strings"
	"sync"

	gollama "github.com/go-skynet/go-llama.cpp"

	"voxd/internal/backend"
)

// built reports whether this binary carries real llama support.
const built = true

// Provider runs GGUF models through go-llama.cpp.
type Provider struct {
	defaultCtx     int
	defaultThreads int
}

// New constructs the provider with default context length and thread count
// applied when a load config leaves them zero.
func New(ctxSize, threads int) *Provider {
	return &Provider{defaultCtx: ctxSize, defaultThreads: threads}
}

func (p *Provider) ID() string { return "llamacpp" }

type handle struct {
	mu      sync.Mutex
	model   *gollama.LLama
	path    string
	threads int
}

func (h *handle) ModelPath() string { return h.path }

func (p *Provider) Load(ctx context.Context, path string, cfg backend.LoadConfig) (backend.Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("llamacpp: model path is empty")
	}
	ctxSize := cfg.ContextLength
	if ctxSize <= 0 {
		ctxSize = p.defaultCtx
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = p.defaultThreads
	}
	mo := []gollama.ModelOption{gollama.SetContext(ctxSize)}
	if cfg.GPULayers > 0 {
		mo = append(mo, gollama.SetGPULayers(cfg.GPULayers))
	}
	// go-llama.cpp loads synchronously; honor cancellation before committing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := gollama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &handle{model: m, path: path, threads: threads}, nil
}

func (p *Provider) Unload(h backend.Handle) error {
	lh, ok := h.(*handle)
	if !ok {
		return errors.New("llamacpp: foreign handle")
	}
	lh.mu.Lock()
	defer lh.mu.Unlock()
	if lh.model != nil {
		lh.model.Free()
		lh.model = nil
	}
	return nil
}

func (p *Provider) GenerateStream(ctx context.Context, h backend.Handle, prompt string, opts backend.GenerateOptions, onToken func(string) error) (backend.FinalResult, error) {
	lh, ok := h.(*handle)
	if !ok {
		return backend.FinalResult{}, errors.New("llamacpp: foreign handle")
	}
	lh.mu.Lock()
	defer lh.mu.Unlock()
	if lh.model == nil {
		return backend.FinalResult{}, errors.New("llamacpp: handle already unloaded")
	}

	var cbErr error
	lh.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	text, err := lh.model.Predict(prompt, predictOptions(opts, lh.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return backend.FinalResult{FinishReason: "cancelled"}, ctx.Err()
		}
		if cbErr != nil {
			return backend.FinalResult{}, cbErr
		}
		return backend.FinalResult{}, err
	}
	return backend.FinalResult{Content: text, FinishReason: "stop"}, nil
}

func predictOptions(opts backend.GenerateOptions, threads int) []gollama.PredictOption {
	po := []gollama.PredictOption{
		gollama.SetTokens(atLeast(opts.MaxTokens, 1)),
		gollama.SetThreads(atLeast(threads, 1)),
		gollama.SetTemperature(orDefault(opts.Temperature, gollama.DefaultOptions.Temperature)),
		gollama.SetTopP(orDefault(opts.TopP, gollama.DefaultOptions.TopP)),
		gollama.SetTopK(atLeast(opts.TopK, gollama.DefaultOptions.TopK)),
	}
	if opts.Seed != 0 {
		po = append(po, gollama.SetSeed(int(opts.Seed)))
	}
	if len(opts.Stop) > 0 {
		po = append(po, gollama.SetStopWords(opts.Stop...))
	}
	return po
}

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

func orDefault(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

var (
	_ backend.Provider      = (*Provider)(nil)
	_ backend.TextGenerator = (*Provider)(nil)
)
