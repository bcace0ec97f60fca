//go:build !llama

// No-CGO stub compiled when the 'llama' build tag is not set. Load fails
// fast instead of mocking inference.
package llama

import (
	"context"
	"errors"

	"voxd/internal/backend"
)

const built = false

// ErrNotBuilt is returned by every operation in stub builds.
var ErrNotBuilt = errors.New("llamacpp: support not built (missing 'llama' build tag)")

type Provider struct{}

func New(ctxSize, threads int) *Provider { return &Provider{} }

func (p *Provider) ID() string { return "llamacpp" }

func (p *Provider) Load(ctx context.Context, path string, cfg backend.LoadConfig) (backend.Handle, error) {
	return nil, ErrNotBuilt
}

func (p *Provider) Unload(h backend.Handle) error { return ErrNotBuilt }

func (p *Provider) GenerateStream(ctx context.Context, h backend.Handle, prompt string, opts backend.GenerateOptions, onToken func(string) error) (backend.FinalResult, error) {
	return backend.FinalResult{}, ErrNotBuilt
}

var (
	_ backend.Provider      = (*Provider)(nil)
	_ backend.TextGenerator = (*Provider)(nil)
)
