package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"voxd/pkg/types"
)

// handleDownload enqueues (or joins) the model's transfer and streams
// progress as NDJSON until the task settles. The last line always carries a
// terminal state.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	task, err := s.reg.Download(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()
	for p := range s.dl.Progress(task) {
		if ctx.Err() != nil {
			// Client went away; the transfer itself keeps running.
			return
		}
		if err := enc.Encode(p); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// generateLine is one NDJSON line of a generation stream.
type generateLine struct {
	Token        string `json:"token,omitempty"`
	Done         bool   `json:"done,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Content      string `json:"content,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleGenerate streams token fragments as NDJSON, ending with a summary
// line. Errors before the first token map to an HTTP status; later ones
// surface as a terminal error line.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()

	started := false
	res, err := s.gen.Stream(ctx, req, func(tok string) error {
		if !started {
			started = true
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
		}
		if err := enc.Encode(generateLine{Token: tok}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if r.Context().Err() != nil || s.opts.BaseContext.Err() != nil {
			return
		}
		if !started {
			writeError(w, err)
			return
		}
		_ = enc.Encode(generateLine{Done: true, Error: err.Error()})
		return
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	_ = enc.Encode(generateLine{
		Done:         true,
		FinishReason: res.FinishReason,
		Content:      res.Content,
	})
	if flusher != nil {
		flusher.Flush()
	}
}
