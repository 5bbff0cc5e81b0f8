package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/vlink/internal/console"
	"github.com/MrWong99/vlink/internal/health"
	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/internal/resilience"
	"github.com/MrWong99/vlink/internal/session"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	session.Status
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Ready    health.Report `json:"ready"`
}

// routes builds the control API mux wrapped in the observability middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /logs", a.handleLogs)
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("POST /config/reload", a.handleReload)
	sessionID := func() string { return a.ctrl.Status().SessionID }
	return observe.Middleware(a.metrics, observe.WithSessionFunc(sessionID))(mux)
}

// handleStatus reports the session state, speaking flag, live transcript,
// and readiness.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg.Load()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:   a.ctrl.Status(),
		Provider: cfg.Provider.Name,
		Model:    a.ctrl.SessionConfig().Model,
		Ready:    a.health.Check(r.Context()),
	})
}

// handleLogs returns the console history, oldest first. ?limit=N trims it to
// the newest N entries.
func (a *App) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := a.ring.Entries()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	if entries == nil {
		entries = []console.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleStart starts a session. 202 means the session is connecting; the
// outcome shows up in /status and /logs.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.ctrl.Status())
	case errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrCredentialMissing):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrSessionOpen):
		var open *resilience.OpenError
		if errors.As(err, &open) && !open.RetryAt.IsZero() {
			secs := max(1, int(math.Ceil(time.Until(open.RetryAt).Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("session start failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleStop stops the running session and returns the resulting status.
func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.ctrl.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

// reloadResponse is the body of POST /config/reload.
type reloadResponse struct {
	LogLevelChanged bool     `json:"log_level_changed"`
	SessionChanged  bool     `json:"session_changed"`
	RestartRequired []string `json:"restart_required"`
}

// handleReload re-reads the config file. 409 when hot reload is off, 422
// when the file does not validate.
func (a *App) handleReload(w http.ResponseWriter, _ *http.Request) {
	d, err := a.Reload()
	switch {
	case errors.Is(err, ErrReloadDisabled):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	restart := d.RestartRequired
	if restart == nil {
		restart = []string{}
	}
	writeJSON(w, http.StatusOK, reloadResponse{
		LogLevelChanged: d.LogLevelChanged,
		SessionChanged:  d.SessionChanged,
		RestartRequired: restart,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
