// Package httpapi is the local console: a small HTTP API over the watch
// manager plus the websocket event stream.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"autoall/internal/config"
	"autoall/internal/logbus"
	"autoall/internal/model"
	"autoall/internal/store/sqlite"
	"autoall/internal/tracker"
	"autoall/internal/transport"
	"autoall/internal/watch"
	"autoall/internal/ws"
)

// SnapshotReader serves persisted snapshots.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, plugin, taskID string) (sqlite.SnapshotRecord, error)
	ListSnapshots(ctx context.Context, plugin string) ([]sqlite.SnapshotRecord, error)
}

type Options struct {
	Cfg       config.Config
	Bus       *logbus.Bus
	Watches   *watch.Manager
	Snapshots SnapshotReader
}

type Server struct {
	cfg       config.Config
	bus       *logbus.Bus
	watches   *watch.Manager
	snapshots SnapshotReader
	ws        *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:       opts.Cfg,
		bus:       opts.Bus,
		watches:   opts.Watches,
		snapshots: opts.Snapshots,
		ws:        ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/watches", s.handleWatches)
	api.HandleFunc("/api/v1/watches/{id}", s.handleWatch)
	api.HandleFunc("/api/v1/watches/{id}/cancel", s.handleWatchCancel)
	api.HandleFunc("/api/v1/watches/{id}/retry", s.handleWatchRetry)
	api.HandleFunc("/api/v1/snapshots", s.handleSnapshots)
	api.HandleFunc("/api/v1/snapshots/{taskId}", s.handleSnapshot)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type startWatchPayload struct {
	TaskID model.ID `json:"taskId"`
}

func (s *Server) handleWatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"data": s.watches.List()})
	case http.MethodPost:
		var body startWatchPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if body.TaskID.IsZero() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "taskId is required"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		info, err := s.watches.Start(ctx, body.TaskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": info})
	case http.MethodDelete:
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.watches.StopAll(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		info, snap, err := s.watches.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"watch":    info,
			"snapshot": snap,
		}})
	case http.MethodDelete:
		if err := s.watches.Stop(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWatchCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	info, err := s.watches.Cancel(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": info})
}

type retryPayload struct {
	// AccountTaskIDs selects sub-tasks; empty means every failed one.
	AccountTaskIDs []model.ID `json:"accountTaskIds"`
}

func (s *Server) handleWatchRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body retryPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	retried, err := s.watches.Retry(ctx, r.PathValue("id"), body.AccountTaskIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"retried": retried}})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.snapshots.ListSnapshots(r.Context(), s.plugin(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.snapshots.GetSnapshot(r.Context(), s.plugin(r), r.PathValue("taskId"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no snapshot for this task"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

func (s *Server) plugin(r *http.Request) string {
	if p := strings.TrimSpace(r.URL.Query().Get("plugin")); p != "" {
		return p
	}
	return s.cfg.API.Plugin
}

// writeError maps domain and upstream failures onto console status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var apiErr *transport.APIError
	switch {
	case errors.Is(err, watch.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tracker.ErrNotRunning), errors.Is(err, tracker.ErrNothingToRetry), errors.Is(err, tracker.ErrNotStarted):
		status = http.StatusConflict
	case errors.As(err, &apiErr):
		switch apiErr.Kind {
		case transport.KindConnectivity, transport.KindServerError:
			status = http.StatusBadGateway
		default:
			status = apiErr.Status
		}
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
