package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	maxEventBytes   = 64 << 10
)

// Server exposes the HTTP API of a running Supervisor.
type Server struct {
	supervisor *Supervisor
	store      model.BundleStore
}

// NewServer returns the API server. store may be nil, the bundle
// endpoints then answer 404.
func NewServer(supervisor *Supervisor, store model.BundleStore) *Server {
	return &Server{supervisor: supervisor, store: store}
}

// Routes constructs the chi router containing all API endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.supervisor.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Get("/runs/{id}/bundles", s.handleBundles)
		r.Get("/runs/{id}/bundles/{name}", s.handleBundle)
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "api listening", "addr", ln.Addr().String())

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBytes)
	var ev model.Event
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.supervisor.Dispatch(r.Context(), ev)
	var cfgErr *model.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, ErrStopped):
		respondError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusAccepted
	if !d.Decision.Admit {
		status = http.StatusOK
	}
	respondJSON(w, status, d)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.supervisor.History().List(r.URL.Query().Get("ref"))
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.supervisor.History().Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, model.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, model.ErrNotFound)
		return
	}
	bundles, err := s.store.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if bundles == nil {
		bundles = []model.ArtifactBundle{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"bundles": bundles})
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, model.ErrNotFound)
		return
	}
	bundle, archive, err := s.store.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.Name+".tar.zst"))
	w.Header().Set("X-Bundle-Digest", bundle.Digest)
	http.ServeContent(w, r, bundle.Name+".tar.zst", bundle.Created, bytes.NewReader(archive))
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondError(w, http.StatusInternalServerError, err)
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer func() {
		_ = r.Body.Close()
	}()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
	})
}
