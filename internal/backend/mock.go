package backend

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// MockProvider is a fully scriptable in-process provider. It backs the unit
// and end-to-end tests and can be registered as a real backend id for
// development builds (no native engine required).
type MockProvider struct {
	// Name is the backend id; defaults to "mock".
	Name string

	// Load behavior.
	LoadDelay time.Duration
	LoadErr   error
	UnloadErr error

	// GenerateStream behavior: tokens emitted in order, with an optional
	// delay between them.
	Tokens     []string
	TokenDelay time.Duration

	// TranscribeStream behavior: the transcript produced once the caller
	// closes the frame stream. Partials are emitted word by word.
	Transcript string

	// Synthesize behavior: bytes of audio produced per character of text.
	BytesPerChar int

	// DetectSpeech behavior: RMS energy at or above this is speech.
	SpeechThreshold float64

	loadCalls   atomic.Int64
	unloadCalls atomic.Int64
	open        atomic.Int64
	framesHeard atomic.Int64
}

type mockHandle struct {
	path     string
	provider *MockProvider
	closed   atomic.Bool
}

func (h *mockHandle) ModelPath() string { return h.path }

func (p *MockProvider) ID() string {
	if p.Name == "" {
		return "mock"
	}
	return p.Name
}

// LoadCalls reports how many times Load was invoked.
func (p *MockProvider) LoadCalls() int64 { return p.loadCalls.Load() }

// UnloadCalls reports how many times Unload was invoked.
func (p *MockProvider) UnloadCalls() int64 { return p.unloadCalls.Load() }

// FramesHeard reports audio frames consumed across TranscribeStream calls.
func (p *MockProvider) FramesHeard() int64 { return p.framesHeard.Load() }

// OpenHandles reports handles loaded and not yet unloaded.
func (p *MockProvider) OpenHandles() int64 { return p.open.Load() }

func (p *MockProvider) Load(ctx context.Context, path string, _ LoadConfig) (Handle, error) {
	p.loadCalls.Add(1)
	if p.LoadDelay > 0 {
		select {
		case <-time.After(p.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	p.open.Add(1)
	return &mockHandle{path: path, provider: p}, nil
}

func (p *MockProvider) Unload(h Handle) error {
	p.unloadCalls.Add(1)
	mh, ok := h.(*mockHandle)
	if !ok {
		return errors.New("mock: foreign handle")
	}
	if mh.closed.Swap(true) {
		return errors.New("mock: double unload")
	}
	p.open.Add(-1)
	return p.UnloadErr
}

func (p *MockProvider) GenerateStream(ctx context.Context, h Handle, prompt string, opts GenerateOptions, onToken func(string) error) (FinalResult, error) {
	if err := checkHandle(h); err != nil {
		return FinalResult{}, err
	}
	var b strings.Builder
	for i, tok := range p.Tokens {
		if p.TokenDelay > 0 && i > 0 {
			select {
			case <-time.After(p.TokenDelay):
			case <-ctx.Done():
				return FinalResult{Content: b.String(), FinishReason: "cancelled"}, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return FinalResult{Content: b.String(), FinishReason: "cancelled"}, err
		}
		if err := onToken(tok); err != nil {
			return FinalResult{Content: b.String()}, err
		}
		b.WriteString(tok)
	}
	return FinalResult{
		Content:          b.String(),
		FinishReason:     "eos",
		PromptTokens:     len(strings.Fields(prompt)),
		CompletionTokens: len(p.Tokens),
	}, nil
}

func (p *MockProvider) TranscribeStream(ctx context.Context, h Handle, frames <-chan AudioFrame, onChunk func(TranscriptChunk) error) error {
	if err := checkHandle(h); err != nil {
		return err
	}
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				words := strings.Fields(p.Transcript)
				for i := range words {
					if err := onChunk(TranscriptChunk{Text: strings.Join(words[:i+1], " ")}); err != nil {
						return err
					}
				}
				return onChunk(TranscriptChunk{Text: p.Transcript, Final: true})
			}
			p.framesHeard.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *MockProvider) Synthesize(ctx context.Context, h Handle, text string, onChunk func([]byte) error) error {
	if err := checkHandle(h); err != nil {
		return err
	}
	per := p.BytesPerChar
	if per <= 0 {
		per = 32
	}
	total := per * len(text)
	const chunk = 1024
	for off := 0; off < total; off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := chunk
		if total-off < n {
			n = total - off
		}
		if err := onChunk(make([]byte, n)); err != nil {
			return err
		}
	}
	return nil
}

func (p *MockProvider) DetectSpeech(h Handle, frame AudioFrame) (SpeechInfo, error) {
	if err := checkHandle(h); err != nil {
		return SpeechInfo{}, err
	}
	threshold := p.SpeechThreshold
	if threshold == 0 {
		threshold = 0.05
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	energy := 0.0
	if len(frame) > 0 {
		energy = math.Sqrt(sum / float64(len(frame)))
	}
	return SpeechInfo{IsSpeech: energy >= threshold, Energy: energy}, nil
}

func checkHandle(h Handle) error {
	mh, ok := h.(*mockHandle)
	if !ok {
		return errors.New("mock: foreign handle")
	}
	if mh.closed.Load() {
		return errors.New("mock: handle already unloaded")
	}
	return nil
}

var (
	_ Provider       = (*MockProvider)(nil)
	_ TextGenerator  = (*MockProvider)(nil)
	_ Transcriber    = (*MockProvider)(nil)
	_ Synthesizer    = (*MockProvider)(nil)
	_ SpeechDetector = (*MockProvider)(nil)
)
