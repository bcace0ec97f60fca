// Package httpapi is the daemon's HTTP surface: model catalog CRUD,
// NDJSON streaming for downloads and generation, a websocket for voice
// sessions, and the usual status, health and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"voxd/internal/download"
	"voxd/internal/eventbus"
	"voxd/internal/generate"
	"voxd/internal/governor"
	"voxd/internal/pipeline"
	"voxd/internal/registry"
	"voxd/pkg/types"
)

// Options tunes the HTTP layer.
type Options struct {
	// MaxBodyBytes caps JSON request bodies; default 1 MiB.
	MaxBodyBytes int64
	// CORS enables the cors middleware for the given origins.
	CORS           bool
	AllowedOrigins []string
	// BaseContext is cancelled on shutdown so streaming handlers stop.
	BaseContext context.Context
}

// Server binds the service components to routes.
type Server struct {
	reg  *registry.Registry
	gov  *governor.Governor
	dl   *download.Manager
	gen  *generate.Service
	orch *pipeline.Orchestrator
	bus  *eventbus.Bus
	log  zerolog.Logger
	opts Options
}

// New wires a server. bus may be nil when no websocket consumers exist.
func New(reg *registry.Registry, gov *governor.Governor, dl *download.Manager, gen *generate.Service, orch *pipeline.Orchestrator, bus *eventbus.Bus, log zerolog.Logger, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Server{
		reg:  reg,
		gov:  gov,
		dl:   dl,
		gen:  gen,
		orch: orch,
		bus:  bus,
		log:  log.With().Str("component", "http").Logger(),
		opts: opts,
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger(s.log))
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if s.opts.CORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/models", s.handleListModels)
	r.Post("/models", s.handleRegisterModel)
	r.Get("/models/{id}", s.handleGetModel)
	r.Delete("/models/{id}", s.handleDeleteModel)
	r.Post("/models/{id}/download", s.handleDownload)
	r.Post("/models/{id}/load", s.handleLoad)
	r.Post("/models/{id}/unload", s.handleUnload)
	r.Post("/generate", s.handleGenerate)
	r.Get("/pipeline", s.handlePipeline)
	r.Get("/status", s.handleStatus)
	r.Get("/storage", s.handleStorage)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.reg.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.Find(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	m, err := s.reg.RegisterFromSource(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purge") == "1"
	if err := s.reg.Delete(chi.URLParam(r, "id"), purge); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.reg.Find(id)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()
	lease, err := s.gov.RequestLoad(ctx, m, r.URL.Query().Get("backend"))
	if err != nil {
		writeError(w, err)
		return
	}
	// Explicit load keeps the model resident but unreferenced; it stays
	// eligible for eviction under pressure.
	if err := lease.Release(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id":  id,
		"state":     types.LoadStateLoaded,
		"memory_mb": lease.MemoryMB(),
	})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.gov.Unload(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id": id,
		"state":    types.LoadStateUnloaded,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.gov.Snapshot()
	st.Downloads = s.dl.Snapshot()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	resp, err := s.reg.Storage()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeJSON enforces content type and body size before decoding.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
