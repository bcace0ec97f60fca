package types

import "time"

// GenerateRequest is the payload for POST /generate.
type GenerateRequest struct {
	// Model identifier. If empty, the configured default model is used.
	Model string `json:"model,omitempty"`
	// Prompt text to complete.
	Prompt string `json:"prompt"`
	// Optional system instruction prepended to the prompt.
	System string `json:"system,omitempty"`
	// Maximum number of new tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Sampling temperature (higher = more random).
	Temperature float64 `json:"temperature,omitempty"`
	// Nucleus sampling probability.
	TopP float64 `json:"top_p,omitempty"`
	// Top-K sampling: limit candidates to the top K tokens.
	TopK int `json:"top_k,omitempty"`
	// Stop sequences. Generation stops when any sequence is matched.
	Stop []string `json:"stop,omitempty"`
	// Random seed; 0 lets the backend choose.
	Seed int64 `json:"seed,omitempty"`
}

// RegisterRequest is the payload for POST /models (ad-hoc registration).
type RegisterRequest struct {
	// Remote location or local path of the artifact.
	Source string `json:"source"`
	// Display name; defaults to the last path element of Source.
	Name string `json:"name,omitempty"`
	// Model category; defaults to text-generation.
	Category ModelCategory `json:"category,omitempty"`
	// Expected SHA-256 of the artifact, hex encoded. Required for remote
	// sources: downloads are refused for models with no declared digest.
	SHA256 string `json:"sha256,omitempty"`
	// Compatible backend ids. Defaults by artifact format when empty.
	Backends []string `json:"backends,omitempty"`
}

// Progress is one emission of a download progress stream.
type Progress struct {
	TaskID          string        `json:"task_id"`
	ModelID         string        `json:"model_id"`
	State           DownloadState `json:"state"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalBytes      int64         `json:"total_bytes"`
	// Instantaneous transfer speed in bytes/second over a sliding window.
	SpeedBps float64 `json:"speed_bps,omitempty"`
	// Estimated time remaining in seconds; 0 when unknown.
	ETASeconds float64 `json:"eta_seconds,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// PipelineConfig selects and tunes the stages of a voice session.
type PipelineConfig struct {
	// Stage model ids. LLM and STT are required; VAD and TTS are optional.
	// VAD empty means sessions start in transcribing directly, with an
	// energy-threshold fallback for endpointing.
	VADModel string `json:"vad_model,omitempty"`
	STTModel string `json:"stt_model,omitempty"`
	LLMModel string `json:"llm_model"`
	TTSModel string `json:"tts_model,omitempty"`
	// Silence with no speech onset before the session gives up and
	// returns to idle. Zero uses the server default.
	SilenceTimeoutMs int `json:"silence_timeout_ms,omitempty"`
	// Trailing silence that ends the utterance. Zero uses the server default.
	EndpointSilenceMs int `json:"endpoint_silence_ms,omitempty"`
	// Optional system instruction for the generation stage.
	System string `json:"system,omitempty"`
	// Generation options for the LLM stage.
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// LoadedModelStatus summarizes one governed instance for GET /status.
type LoadedModelStatus struct {
	ModelID  string    `json:"model_id"`
	Backend  string    `json:"backend"`
	State    LoadState `json:"state"`
	MemoryMB int       `json:"memory_mb"`
	Refs     int       `json:"refs"`
	LoadedAt time.Time `json:"loaded_at"`
	LastUsed time.Time `json:"last_used"`
}

// DownloadStatus summarizes one transfer task for GET /status.
type DownloadStatus struct {
	TaskID          string        `json:"task_id"`
	ModelID         string        `json:"model_id"`
	State           DownloadState `json:"state"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalBytes      int64         `json:"total_bytes"`
	Error           string        `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Models    []LoadedModelStatus `json:"models"`
	Downloads []DownloadStatus    `json:"downloads"`
	BudgetMB  int                 `json:"budget_mb"`
	UsedMB    int                 `json:"used_mb"`
	MarginMB  int                 `json:"margin_mb"`
	// Lifetime counters.
	LoadsTotal     uint64 `json:"loads_total"`
	EvictionsTotal uint64 `json:"evictions_total"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// StorageModel is per-model disk usage for GET /storage.
type StorageModel struct {
	ModelID   string `json:"model_id"`
	Bytes     int64  `json:"bytes"`
	Available bool   `json:"available"`
}

// StorageResponse is returned by GET /storage.
type StorageResponse struct {
	TotalBytes int64          `json:"total_bytes"`
	Models     []StorageModel `json:"models"`
}

// ErrorResponse is the consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
