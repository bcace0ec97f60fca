package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"voxd/internal/backend"
	"voxd/internal/governor"
	"voxd/pkg/types"
)

// silencePoll is how often stage loops re-check wall-clock silence windows.
const silencePoll = 20 * time.Millisecond

// Session is one voice interaction. Stages run strictly one after another;
// the caller feeds audio with PushFrame and reads synthesized audio from
// Audio. All stage outcomes surface as events keyed by the session id.
type Session struct {
	id       string
	cfg      types.PipelineConfig
	o        *Orchestrator
	ctx      context.Context
	cancelFn context.CancelFunc

	frames chan backend.AudioFrame
	audio  chan []byte
	done   chan struct{}

	endOnce  sync.Once
	endUtter chan struct{}

	mu         sync.Mutex
	state      types.PipelineState
	transcript string
	response   string
	err        error
	cancelled  bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Audio yields synthesized speech chunks; closed when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audio }

// State returns the current state.
func (s *Session) State() types.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the accumulated final transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Response returns the accumulated generated text.
func (s *Session) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// Err returns the stage error that sent the session through the error
// state, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// PushFrame feeds one audio frame. Frames pushed faster than the session
// consumes them are dropped. Pushing into a finished session is a conflict.
func (s *Session) PushFrame(f backend.AudioFrame) error {
	select {
	case <-s.done:
		return &types.StateConflictError{Op: "pipeline.push", Detail: "session " + s.id + " has ended"}
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
	return nil
}

// EndUtterance signals the endpoint explicitly instead of waiting for
// trailing silence.
func (s *Session) EndUtterance() {
	s.endOnce.Do(func() { close(s.endUtter) })
}

// Cancel interrupts the session. The active backend call observes the
// cancellation, held references are released, and the session lands in the
// cancelled state.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancelFn()
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.audio)
	defer s.cancelFn()

	err := s.runStages()
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	switch {
	case cancelled || errors.Is(err, types.ErrCancelled) || errors.Is(err, context.Canceled):
		s.setState(types.PipelineCancelled)
	case err != nil:
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.o.log.Warn().Err(err).Str("session", s.id).Msg("stage failed")
		s.event("pipeline.error", map[string]any{"error": err.Error()})
		s.setState(types.PipelineError)
		s.setState(types.PipelineIdle)
	default:
		s.setState(types.PipelineIdle)
	}
}

func (s *Session) runStages() error {
	silenceTimeout, endpointSilence := s.o.timing(s.cfg)

	// Speech detection: a VAD model when configured, RMS energy otherwise.
	var vad *governor.Lease
	isSpeech := func(f backend.AudioFrame) bool { return rms(f) >= s.o.cfg.EnergyThreshold }
	if s.cfg.VADModel != "" {
		lease, err := s.lease(s.cfg.VADModel)
		if err != nil {
			return err
		}
		vad = lease
		det, ok := lease.Provider().(backend.SpeechDetector)
		if !ok {
			s.releaseLease(vad)
			return &types.BackendError{Backend: lease.Provider().ID(), Op: "detect",
				Err: errors.New("backend does not detect speech")}
		}
		isSpeech = func(f backend.AudioFrame) bool {
			info, err := det.DetectSpeech(lease.Native(), f)
			return err == nil && info.IsSpeech
		}
	}
	if vad != nil {
		defer s.releaseLease(vad)
	}

	var preroll []backend.AudioFrame
	if s.cfg.VADModel != "" {
		onset, frame, err := s.listen(isSpeech, silenceTimeout)
		if err != nil {
			return err
		}
		if !onset {
			// Nobody spoke. Back to idle with an empty transcript.
			return nil
		}
		preroll = append(preroll, frame)
	}

	transcript, err := s.transcribe(isSpeech, preroll, silenceTimeout, endpointSilence)
	if err != nil {
		return err
	}
	if transcript == "" {
		return nil
	}
	s.mu.Lock()
	s.transcript = transcript
	s.mu.Unlock()
	s.event("pipeline.transcript", map[string]any{"text": transcript})

	response, err := s.generate(transcript)
	if err != nil {
		return err
	}
	if response == "" || s.cfg.TTSModel == "" {
		return nil
	}
	return s.speak(response)
}

// listen waits for speech onset. Returns onset=false when the configured
// silence window expires first.
func (s *Session) listen(isSpeech func(backend.AudioFrame) bool, timeout time.Duration) (bool, backend.AudioFrame, error) {
	s.setState(types.PipelineListening)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return false, nil, s.ctx.Err()
		case <-deadline.C:
			return false, nil, nil
		case <-s.endUtter:
			return false, nil, nil
		case f := <-s.frames:
			if isSpeech(f) {
				s.event("pipeline.speech_onset", nil)
				return true, f, nil
			}
		}
	}
}

// transcribe streams audio into the STT backend until the utterance
// endpoint, then returns the final transcript.
func (s *Session) transcribe(isSpeech func(backend.AudioFrame) bool, preroll []backend.AudioFrame, silenceTimeout, endpointSilence time.Duration) (string, error) {
	s.setState(types.PipelineTranscribing)
	lease, err := s.lease(s.cfg.STTModel)
	if err != nil {
		return "", err
	}
	defer s.releaseLease(lease)
	stt, ok := lease.Provider().(backend.Transcriber)
	if !ok {
		return "", &types.BackendError{Backend: lease.Provider().ID(), Op: "transcribe",
			Err: errors.New("backend does not transcribe")}
	}

	stageCtx, stageCancel := context.WithCancel(s.ctx)
	sttFrames := make(chan backend.AudioFrame, cap(s.frames))
	pumpDone := make(chan struct{})
	go s.pumpFrames(stageCtx, isSpeech, preroll, len(preroll) > 0, silenceTimeout, endpointSilence, sttFrames, pumpDone)

	var transcript string
	err = stt.TranscribeStream(s.ctx, lease.Native(), sttFrames, func(c backend.TranscriptChunk) error {
		if c.Final {
			transcript = c.Text
			return nil
		}
		s.event("pipeline.partial_transcript", map[string]any{"text": c.Text})
		return nil
	})
	stageCancel()
	<-pumpDone
	if err != nil {
		return "", err
	}
	return transcript, nil
}

// pumpFrames forwards session audio to the STT stream and closes it at the
// utterance endpoint: trailing silence after speech, overall silence with no
// speech at all, or an explicit EndUtterance.
func (s *Session) pumpFrames(ctx context.Context, isSpeech func(backend.AudioFrame) bool, preroll []backend.AudioFrame, speechSeen bool, silenceTimeout, endpointSilence time.Duration, out chan<- backend.AudioFrame, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for _, f := range preroll {
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
	start := time.Now()
	lastSpeech := time.Now()
	tick := time.NewTicker(silencePoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.endUtter:
			return
		case f := <-s.frames:
			if isSpeech(f) {
				if !speechSeen {
					speechSeen = true
					s.event("pipeline.speech_onset", nil)
				}
				lastSpeech = time.Now()
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		case <-tick.C:
			if speechSeen && time.Since(lastSpeech) >= endpointSilence {
				s.event("pipeline.endpoint", nil)
				return
			}
			if !speechSeen && time.Since(start) >= silenceTimeout {
				return
			}
		}
	}
}

// generate runs the LLM stage through the generation service, which owns
// the model lease for the duration of the stream.
func (s *Session) generate(transcript string) (string, error) {
	s.setState(types.PipelineGenerating)
	req := types.GenerateRequest{
		Model:       s.cfg.LLMModel,
		Prompt:      transcript,
		System:      s.cfg.System,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	var response string
	_, err := s.o.gen.Stream(s.ctx, req, func(tok string) error {
		response += tok
		s.event("pipeline.token", map[string]any{"text": tok})
		return nil
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.response = response
	s.mu.Unlock()
	return response, nil
}

// speak synthesizes the response sentence by sentence so playback can begin
// before the last sentence is rendered.
func (s *Session) speak(response string) error {
	s.setState(types.PipelineSpeaking)
	lease, err := s.lease(s.cfg.TTSModel)
	if err != nil {
		return err
	}
	defer s.releaseLease(lease)
	syn, ok := lease.Provider().(backend.Synthesizer)
	if !ok {
		return &types.BackendError{Backend: lease.Provider().ID(), Op: "synthesize",
			Err: errors.New("backend does not synthesize")}
	}

	var chunker sentenceChunker
	sentences := chunker.feed(response)
	if tail := chunker.flush(); tail != "" {
		sentences = append(sentences, tail)
	}
	for _, sentence := range sentences {
		var bytes int
		err := syn.Synthesize(s.ctx, lease.Native(), sentence, func(chunk []byte) error {
			bytes += len(chunk)
			select {
			case s.audio <- chunk:
				return nil
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		})
		if err != nil {
			return err
		}
		s.event("pipeline.audio", map[string]any{"text": sentence, "bytes": bytes})
	}
	return nil
}

func (s *Session) lease(modelID string) (*governor.Lease, error) {
	m, err := s.o.reg.Find(modelID)
	if err != nil {
		return nil, err
	}
	lease, err := s.o.gov.RequestLoad(s.ctx, m, "")
	if err != nil {
		return nil, err
	}
	s.o.reg.TouchLastUsed(modelID)
	return lease, nil
}

func (s *Session) releaseLease(l *governor.Lease) {
	if err := l.Release(); err != nil {
		s.o.log.Error().Err(err).Str("session", s.id).Msg("lease release")
	}
}

func (s *Session) setState(to types.PipelineState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.event("pipeline.state", map[string]any{"from": string(from), "to": string(to)})
}

func (s *Session) event(name string, fields map[string]any) {
	s.o.pub.Publish(types.Event{
		Category:      types.EventPipeline,
		Name:          name,
		CorrelationID: s.id,
		Fields:        fields,
	})
}

func rms(f backend.AudioFrame) float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, v := range f {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(f)))
}
