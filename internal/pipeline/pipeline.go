// Package pipeline orchestrates voice sessions: audio frames in, events and
// synthesized audio out, through VAD, STT, LLM and TTS stages. Each session
// is a sequential state machine; sessions are independent of each other and
// a failed utterance never takes the orchestrator down.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxd/internal/backend"
	"voxd/internal/eventbus"
	"voxd/internal/generate"
	"voxd/internal/governor"
	"voxd/internal/registry"
	"voxd/pkg/types"
)

// Config carries orchestrator-level defaults; per-session values in
// types.PipelineConfig override the timing knobs.
type Config struct {
	// SilenceTimeout is how long a session waits for speech onset before
	// giving up and returning to idle.
	SilenceTimeout time.Duration
	// EndpointSilence is the trailing-silence duration that ends an
	// utterance.
	EndpointSilence time.Duration
	// EnergyThreshold is the RMS level treated as speech when no VAD model
	// is configured.
	EnergyThreshold float64
	// FrameQueueDepth bounds buffered audio per session; frames beyond it
	// are dropped, favoring liveness over completeness.
	FrameQueueDepth int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SilenceTimeout <= 0 {
		out.SilenceTimeout = 10 * time.Second
	}
	if out.EndpointSilence <= 0 {
		out.EndpointSilence = 800 * time.Millisecond
	}
	if out.EnergyThreshold <= 0 {
		out.EnergyThreshold = 0.05
	}
	if out.FrameQueueDepth <= 0 {
		out.FrameQueueDepth = 64
	}
	return out
}

// Orchestrator creates and tracks sessions.
type Orchestrator struct {
	cfg Config
	gov *governor.Governor
	reg *registry.Registry
	gen *generate.Service
	pub eventbus.Publisher
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New wires an orchestrator.
func New(cfg Config, gov *governor.Governor, reg *registry.Registry, gen *generate.Service, pub eventbus.Publisher, log zerolog.Logger) *Orchestrator {
	if pub == nil {
		pub = eventbus.Nop{}
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		gov:      gov,
		reg:      reg,
		gen:      gen,
		pub:      pub,
		log:      log.With().Str("component", "pipeline").Logger(),
		sessions: map[string]*Session{},
	}
}

// Start validates the stage configuration and begins a session. The LLM and
// STT stages are required; VAD and TTS are optional. Every configured model
// must be registered and available before the session starts.
func (o *Orchestrator) Start(cfg types.PipelineConfig) (*Session, error) {
	if cfg.LLMModel == "" {
		return nil, &types.StateConflictError{Op: "pipeline.start", Detail: "llm stage is required"}
	}
	if cfg.STTModel == "" {
		return nil, &types.StateConflictError{Op: "pipeline.start", Detail: "stt stage is required"}
	}
	for _, id := range []string{cfg.VADModel, cfg.STTModel, cfg.LLMModel, cfg.TTSModel} {
		if id == "" {
			continue
		}
		m, err := o.reg.Find(id)
		if err != nil {
			return nil, err
		}
		if !m.Downloaded() {
			return nil, &types.StateConflictError{Op: "pipeline.start", Detail: "model " + id + " is not downloaded"}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		o:        o,
		ctx:      ctx,
		cancelFn: cancel,
		state:    types.PipelineIdle,
		frames:   make(chan backend.AudioFrame, o.cfg.FrameQueueDepth),
		endUtter: make(chan struct{}),
		audio:    make(chan []byte, 32),
		done:     make(chan struct{}),
	}
	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	go s.run()
	return s, nil
}

// Get resolves a session id.
func (o *Orchestrator) Get(id string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", ID: id}
	}
	return s, nil
}

// Cancel interrupts a session from outside (barge-in included).
func (o *Orchestrator) Cancel(id string) error {
	s, err := o.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Release forgets a terminal session. Releasing a live session is refused.
func (o *Orchestrator) Release(id string) error {
	s, err := o.Get(id)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
	default:
		return &types.StateConflictError{Op: "pipeline.release", Detail: "session " + id + " is still running"}
	}
	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
	return nil
}

// Close cancels every live session and waits for them to settle.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	all := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
	for _, s := range all {
		<-s.done
	}
}

// timing resolves per-session overrides against orchestrator defaults.
func (o *Orchestrator) timing(cfg types.PipelineConfig) (silenceTimeout, endpointSilence time.Duration) {
	silenceTimeout = o.cfg.SilenceTimeout
	if cfg.SilenceTimeoutMs > 0 {
		silenceTimeout = time.Duration(cfg.SilenceTimeoutMs) * time.Millisecond
	}
	endpointSilence = o.cfg.EndpointSilence
	if cfg.EndpointSilenceMs > 0 {
		endpointSilence = time.Duration(cfg.EndpointSilenceMs) * time.Millisecond
	}
	return silenceTimeout, endpointSilence
}
