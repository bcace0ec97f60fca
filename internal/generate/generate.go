// Package generate runs streaming text generation against a leased model.
// It bridges API requests to the backend capability, enforces stop
// sequences across fragment boundaries, and guarantees the memory lease is
// returned on every exit path.
package generate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxd/internal/backend"
	"voxd/internal/eventbus"
	"voxd/internal/governor"
	"voxd/internal/registry"
	"voxd/pkg/types"
)

// errStopHit aborts the backend stream once a stop sequence matched.
var errStopHit = errors.New("stop sequence matched")

// Defaults applied when a request leaves a knob unset.
type Defaults struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Service executes generation requests.
type Service struct {
	gov      *governor.Governor
	reg      *registry.Registry
	pub      eventbus.Publisher
	log      zerolog.Logger
	defaults Defaults
}

// New wires a generation service.
func New(gov *governor.Governor, reg *registry.Registry, pub eventbus.Publisher, log zerolog.Logger, defaults Defaults) *Service {
	if pub == nil {
		pub = eventbus.Nop{}
	}
	if defaults.MaxTokens <= 0 {
		defaults.MaxTokens = 512
	}
	return &Service{
		gov:      gov,
		reg:      reg,
		pub:      pub,
		log:      log.With().Str("component", "generate").Logger(),
		defaults: defaults,
	}
}

// Stream generates a completion for req, delivering emitted fragments to
// onToken in order. The model is leased before the first token and the
// lease is released exactly once, whatever the exit path. Cancelling ctx
// surfaces as ErrCancelled with a cancelled FinalResult.
func (s *Service) Stream(ctx context.Context, req types.GenerateRequest, onToken func(string) error) (backend.FinalResult, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = s.defaults.Model
	}
	if modelID == "" {
		return backend.FinalResult{}, &types.StateConflictError{Op: "generate", Detail: "no model requested and no default configured"}
	}
	desc, err := s.reg.Find(modelID)
	if err != nil {
		return backend.FinalResult{}, err
	}
	if !desc.Downloaded() {
		return backend.FinalResult{}, &types.StateConflictError{Op: "generate", Detail: "model " + modelID + " is not downloaded"}
	}

	lease, err := s.gov.RequestLoad(ctx, desc, "")
	if err != nil {
		return backend.FinalResult{}, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			s.log.Error().Err(rerr).Str("model", modelID).Msg("lease release")
		}
	}()
	s.reg.TouchLastUsed(modelID)

	gen, ok := lease.Provider().(backend.TextGenerator)
	if !ok {
		return backend.FinalResult{}, &types.BackendError{
			Backend: lease.Provider().ID(), Op: "generate",
			Err: errors.New("backend does not generate text"),
		}
	}

	opts := s.options(req)
	reqID := uuid.NewString()
	start := time.Now()
	s.pub.Publish(types.Event{Category: types.EventGenerate, Name: "generate.started",
		CorrelationID: reqID, ModelID: modelID,
		Fields: map[string]any{"max_tokens": opts.MaxTokens}})
	metricRequests.Inc()

	matcher := newStopMatcher(req.Stop)
	var (
		tokens    int
		firstAt   time.Time
		stopEarly bool
	)
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		if firstAt.IsZero() {
			firstAt = time.Now()
			metricTTFT.Observe(firstAt.Sub(start).Seconds())
			s.pub.Publish(types.Event{Category: types.EventGenerate, Name: "generate.first_token",
				CorrelationID: reqID, ModelID: modelID,
				Fields: map[string]any{"ttft_ms": firstAt.Sub(start).Milliseconds()}})
		}
		tokens++
		metricTokens.Inc()
		return onToken(text)
	}

	res, err := gen.GenerateStream(ctx, lease.Native(), s.prompt(req), opts, func(tok string) error {
		out, done := matcher.feed(tok)
		if err := emit(out); err != nil {
			return err
		}
		if done {
			stopEarly = true
			return errStopHit
		}
		return nil
	})

	switch {
	case err == nil && !stopEarly:
		if ferr := emit(matcher.flush()); ferr != nil {
			err = ferr
		}
	case stopEarly && (err == nil || errors.Is(err, errStopHit)):
		res.FinishReason = "stop"
		err = nil
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, types.ErrCancelled) {
			res.FinishReason = "cancelled"
			s.pub.Publish(types.Event{Category: types.EventGenerate, Name: "generate.cancelled",
				CorrelationID: reqID, ModelID: modelID})
			return res, types.ErrCancelled
		}
		s.pub.Publish(types.Event{Category: types.EventGenerate, Name: "generate.failed",
			CorrelationID: reqID, ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
		return res, err
	}

	elapsed := time.Since(start)
	fields := map[string]any{
		"tokens":        tokens,
		"duration_ms":   elapsed.Milliseconds(),
		"finish_reason": res.FinishReason,
	}
	if !firstAt.IsZero() && elapsed > firstAt.Sub(start) {
		fields["tokens_per_sec"] = float64(tokens) / (elapsed - firstAt.Sub(start)).Seconds()
	}
	s.pub.Publish(types.Event{Category: types.EventGenerate, Name: "generate.completed",
		CorrelationID: reqID, ModelID: modelID, Fields: fields})
	return res, nil
}

func (s *Service) options(req types.GenerateRequest) backend.GenerateOptions {
	opts := backend.GenerateOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		TopK:        req.TopK,
		Stop:        req.Stop,
		Seed:        req.Seed,
		System:      req.System,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = s.defaults.MaxTokens
	}
	if opts.Temperature == 0 && s.defaults.Temperature > 0 {
		opts.Temperature = float32(s.defaults.Temperature)
	}
	return opts
}

func (s *Service) prompt(req types.GenerateRequest) string {
	if req.System == "" {
		return req.Prompt
	}
	return req.System + "\n\n" + req.Prompt
}
