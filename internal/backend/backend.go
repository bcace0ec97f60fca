// Package backend defines the capability contract every pluggable inference
// engine implements, and the registration table mapping backend ids to
// provider instances.
//
// A provider always implements Load/Unload. The per-capability interfaces
// (TextGenerator, Transcriber, Synthesizer, SpeechDetector) are optional and
// discovered by type assertion; which backends a model may run on is declared
// on its descriptor, not assumed.
package backend

import (
	"context"

	"voxd/pkg/types"
)

// Handle is an opaque, backend-owned in-memory model instance. Only the
// resource governor may ask for its destruction.
type Handle interface {
	// ModelPath returns the artifact path this handle was loaded from.
	ModelPath() string
}

// LoadConfig tunes a native load.
type LoadConfig struct {
	ContextLength int
	Threads       int
	GPULayers     int
}

// Provider is one inference engine.
type Provider interface {
	// ID returns the stable backend identifier models reference.
	ID() string
	// Load materializes the artifact at path into a ready-to-run instance.
	Load(ctx context.Context, path string, cfg LoadConfig) (Handle, error)
	// Unload destroys a handle and frees its native resources.
	Unload(h Handle) error
}

// GenerateOptions are the sampling knobs for streaming text generation.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
	TopK        int
	Stop        []string
	Seed        int64
	System      string
}

// FinalResult summarizes a finished generation.
type FinalResult struct {
	Content          string
	FinishReason     string // "stop", "length", "eos", "cancelled"
	PromptTokens     int
	CompletionTokens int
}

// TextGenerator streams token fragments through onToken until the backend
// signals end, a stop condition hits, or ctx is cancelled. Returning an error
// from onToken aborts generation with that error.
type TextGenerator interface {
	GenerateStream(ctx context.Context, h Handle, prompt string, opts GenerateOptions, onToken func(token string) error) (FinalResult, error)
}

// AudioFrame is one fixed-duration window of mono PCM samples in [-1, 1].
type AudioFrame []float32

// TranscriptChunk is one emission of a streaming transcription.
type TranscriptChunk struct {
	Text  string
	Final bool
}

// Transcriber consumes audio frames and emits partial transcripts through
// onChunk, returning once frames is closed or ctx is cancelled. The last
// chunk before return has Final set.
type Transcriber interface {
	TranscribeStream(ctx context.Context, h Handle, frames <-chan AudioFrame, onChunk func(TranscriptChunk) error) error
}

// Synthesizer converts text to audio, delivering chunks as they are ready.
type Synthesizer interface {
	Synthesize(ctx context.Context, h Handle, text string, onChunk func(audio []byte) error) error
}

// SpeechInfo is a per-frame voice activity verdict.
type SpeechInfo struct {
	IsSpeech bool
	// Energy is the frame RMS level, whatever the detector used internally.
	Energy float64
}

// SpeechDetector flags presence of speech in a single audio frame.
type SpeechDetector interface {
	DetectSpeech(h Handle, frame AudioFrame) (SpeechInfo, error)
}

// Supports reports whether p carries the capability a model category needs.
func Supports(p Provider, c types.ModelCategory) bool {
	switch c {
	case types.CategoryTextGeneration:
		_, ok := p.(TextGenerator)
		return ok
	case types.CategorySpeechToText:
		_, ok := p.(Transcriber)
		return ok
	case types.CategoryTextToSpeech:
		_, ok := p.(Synthesizer)
		return ok
	case types.CategoryVoiceActivity:
		_, ok := p.(SpeechDetector)
		return ok
	}
	return false
}
