// Package status serves a read-only HTTP view of a running case DFU.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/casedfu"
	"github.com/vitaminmoo/casedfu/internal/store"
)

// Source supplies engine snapshots. It is called from HTTP goroutines.
type Source interface {
	Status() casedfu.Status
}

// Checkpoints lists stored resume checkpoints.
type Checkpoints interface {
	List() ([]store.Checkpoint, error)
	Load(hash string) (*store.Checkpoint, error)
}

// Server holds the HTTP server dependencies
type Server struct {
	src   Source
	store Checkpoints
	log   *zap.Logger
	start time.Time
}

// New creates a status server. cps may be nil.
func New(src Source, cps Checkpoints, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{src: src, store: cps, log: log, start: time.Now()}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.Health)
	r.Get("/status", s.Status)
	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", s.ListCheckpoints)
		r.Get("/{hash}", s.GetCheckpoint)
	})
	return r
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	})
}

// Status handles GET /status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Status())
}

// ListCheckpoints handles GET /checkpoints
func (s *Server) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no checkpoint store", http.StatusNotFound)
		return
	}
	cps, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cps == nil {
		cps = []store.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

// GetCheckpoint handles GET /checkpoints/{hash}
func (s *Server) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no checkpoint store", http.StatusNotFound)
		return
	}
	cp, err := s.store.Load(chi.URLParam(r, "hash"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("status endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
