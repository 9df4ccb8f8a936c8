// Package admin exposes the minimal internal HTTP surface through which
// spec.md §6's administrative commands are consumed: pause, resume,
// force-next-run, and backfill. Like /metrics and /health it carries no
// authentication of its own — auth is explicitly out of scope (spec.md
// Non-goals) — so it is meant to sit behind a private network boundary,
// never exposed to untrusted callers.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"loaderengine/internal/activity"
	"loaderengine/internal/domain"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/logger"
)

// LoaderStore is the subset of internal/store.LoaderStore the admin
// surface drives.
type LoaderStore interface {
	Pause(ctx context.Context, loaderCode string) error
	Resume(ctx context.Context, loaderCode string) error
	ForceNextRun(ctx context.Context, loaderCode string) error
	Backfill(ctx context.Context, loaderCode string, fromEpoch, toEpoch time.Time, purge domain.PurgeStrategy) error
}

// ActivityPublisher publishes lifecycle events. A nil Publisher disables
// publishing without changing control flow.
type ActivityPublisher interface {
	Publish(ctx context.Context, event *activity.Event) error
}

// Server serves the admin routes.
type Server struct {
	store    LoaderStore
	activity ActivityPublisher
}

// New creates a Server over store, publishing LOADER_PAUSED/LOADER_RESUMED
// through pub as each command is applied.
func New(store LoaderStore, pub ActivityPublisher) *Server {
	return &Server{store: store, activity: pub}
}

// Mux returns the admin route table, mountable standalone or alongside
// other internal routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/loaders/pause", s.handlePause)
	mux.HandleFunc("/admin/loaders/resume", s.handleResume)
	mux.HandleFunc("/admin/loaders/force-next-run", s.handleForceNextRun)
	mux.HandleFunc("/admin/loaders/backfill", s.handleBackfill)
	return mux
}

// ListenAndServe starts the admin HTTP listener on port.
func (s *Server) ListenAndServe(port int) error {
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      s.Mux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	loaderCode, ok := s.requirePost(w, r)
	if !ok {
		return
	}
	if err := s.store.Pause(r.Context(), loaderCode); err != nil {
		writeError(w, err)
		return
	}
	s.publish(r.Context(), activity.NewEvent(activity.KindLoaderPaused, loaderCode).Build())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	loaderCode, ok := s.requirePost(w, r)
	if !ok {
		return
	}
	if err := s.store.Resume(r.Context(), loaderCode); err != nil {
		writeError(w, err)
		return
	}
	s.publish(r.Context(), activity.NewEvent(activity.KindLoaderResumed, loaderCode).Build())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceNextRun(w http.ResponseWriter, r *http.Request) {
	loaderCode, ok := s.requirePost(w, r)
	if !ok {
		return
	}
	if err := s.store.ForceNextRun(r.Context(), loaderCode); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requirePost validates the request method and extracts loaderCode from
// the query string, writing the appropriate error response and returning
// ok=false if either check fails.
func (s *Server) requirePost(w http.ResponseWriter, r *http.Request) (loaderCode string, ok bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	loaderCode = r.URL.Query().Get("loaderCode")
	if loaderCode == "" {
		http.Error(w, "loaderCode is required", http.StatusBadRequest)
		return "", false
	}
	return loaderCode, true
}

type backfillRequest struct {
	LoaderCode    string `json:"loaderCode"`
	FromEpochSec  int64  `json:"fromEpochSec"`
	ToEpochSec    int64  `json:"toEpochSec"`
	PurgeStrategy string `json:"purgeStrategy"`
}

// handleBackfill accepts (loaderCode, fromEpochSec, toEpochSec,
// purgeStrategy) per spec.md §6. BACKFILL_COMPLETED/BACKFILL_FAILED are
// published by the executor once the catch-up itself finishes or fails,
// not here: accepting the request only rewinds the watermark.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.LoaderCode == "" {
		http.Error(w, "loaderCode is required", http.StatusBadRequest)
		return
	}

	from := time.Unix(req.FromEpochSec, 0).UTC()
	to := time.Unix(req.ToEpochSec, 0).UTC()
	purge := domain.PurgeStrategy(req.PurgeStrategy)

	if err := s.store.Backfill(r.Context(), req.LoaderCode, from, to, purge); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) publish(ctx context.Context, event *activity.Event) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Publish(ctx, event); err != nil {
		logger.Warn("activity publish failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperror.Code(err) {
	case apperror.CodeInvalidArgument, apperror.CodeNotFound:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
