package types

import "time"

// ModelCategory classifies what a model is for.
type ModelCategory string

const (
	CategoryTextGeneration ModelCategory = "text-generation"
	CategorySpeechToText   ModelCategory = "speech-to-text"
	CategoryTextToSpeech   ModelCategory = "text-to-speech"
	CategoryVoiceActivity  ModelCategory = "voice-activity"
)

// ModelFormat is the on-disk storage format of a model artifact.
type ModelFormat string

const (
	FormatGGUF ModelFormat = "gguf"
	FormatONNX ModelFormat = "onnx"
	FormatBin  ModelFormat = "bin"
)

// DigestAlgo identifies a content-hash algorithm.
type DigestAlgo string

const (
	DigestSHA256 DigestAlgo = "sha256"
	DigestMD5    DigestAlgo = "md5"
)

// Digest is a declared content hash for an artifact.
type Digest struct {
	Algo DigestAlgo `json:"algo"`
	Hex  string     `json:"hex"`
}

// ModelDescriptor carries identity and provisioning facts for one model.
// Descriptors are persisted in the metadata store and reconciled against the
// filesystem at startup: a missing artifact clears LocalPath regardless of
// what the store says.
type ModelDescriptor struct {
	// Stable identifier for the model.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name"`
	// What the model does (text-generation, speech-to-text, ...).
	Category ModelCategory `json:"category"`
	// Storage format tag (gguf, onnx, bin).
	Format ModelFormat `json:"format"`
	// Remote artifact location. Empty for built-in models that ship locally.
	SourceURL string `json:"source_url,omitempty"`
	// Absolute path of the downloaded artifact. Empty until downloaded.
	LocalPath string `json:"local_path,omitempty"`
	// Declared transfer size in bytes.
	DownloadSize int64 `json:"download_size,omitempty"`
	// Declared runtime memory requirement in MB.
	MemoryEstMB int `json:"memory_est_mb"`
	// Backend ids this model can run on.
	Backends []string `json:"backends"`
	// Preferred backend id; must be a member of Backends.
	PreferredBackend string `json:"preferred_backend,omitempty"`
	// Capability flags, e.g. "reasoning-trace".
	Capabilities []string `json:"capabilities,omitempty"`
	// Declared integrity digests; at least one of sha256/md5.
	Digests []Digest `json:"digests"`
	// True for models registered at startup rather than discovered or added.
	BuiltIn bool `json:"built_in,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Usage tracking.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	UseCount   int64     `json:"use_count,omitempty"`
}

// DigestFor returns the declared digest for algo, if any.
func (m *ModelDescriptor) DigestFor(algo DigestAlgo) (Digest, bool) {
	for _, d := range m.Digests {
		if d.Algo == algo {
			return d, true
		}
	}
	return Digest{}, false
}

// SupportsBackend reports whether id is in the compatible-backend set.
func (m *ModelDescriptor) SupportsBackend(id string) bool {
	for _, b := range m.Backends {
		if b == id {
			return true
		}
	}
	return false
}

// Downloaded reports whether a local artifact path has been recorded. It
// says nothing about the file still existing (the registry's IsAvailable
// checks that) or its integrity (Registry.Verify re-hashes on demand).
func (m *ModelDescriptor) Downloaded() bool { return m.LocalPath != "" }

// DownloadState is the lifecycle state of a transfer task.
type DownloadState string

const (
	DownloadQueued    DownloadState = "queued"
	DownloadActive    DownloadState = "active"
	DownloadPaused    DownloadState = "paused"
	DownloadCompleted DownloadState = "completed"
	DownloadFailed    DownloadState = "failed"
)

// Terminal reports whether no further progress will occur.
func (s DownloadState) Terminal() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

// LoadState is the per-model lifecycle state tracked by the resource governor.
type LoadState string

const (
	LoadStateUnloaded  LoadState = "unloaded"
	LoadStateLoading   LoadState = "loading"
	LoadStateLoaded    LoadState = "loaded"
	LoadStateUnloading LoadState = "unloading"
	LoadStateFailed    LoadState = "failed"
)

// PipelineState is the stage state of a voice pipeline session.
type PipelineState string

const (
	PipelineIdle         PipelineState = "idle"
	PipelineListening    PipelineState = "listening"
	PipelineTranscribing PipelineState = "transcribing"
	PipelineGenerating   PipelineState = "generating"
	PipelineSpeaking     PipelineState = "speaking"
	PipelineError        PipelineState = "error"
	PipelineCancelled    PipelineState = "cancelled"
)

// Terminal reports whether the session is finished for good.
func (s PipelineState) Terminal() bool { return s == PipelineCancelled }

// Event is an immutable record of something that happened. Events sharing a
// correlation id (task, session or model id) are delivered to any one
// subscriber in publish order; there is no ordering across correlation ids.
type Event struct {
	Category      EventCategory  `json:"category"`
	Name          string         `json:"name"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
	Time          time.Time      `json:"time"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// EventCategory groups events for subscription filtering.
type EventCategory string

const (
	EventDownload EventCategory = "download"
	EventModel    EventCategory = "model"
	EventGenerate EventCategory = "generate"
	EventPipeline EventCategory = "pipeline"
)
