package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/eventsub"
	"github.com/Serph91P/StreamVault-sub002/internal/lifecycle"
	"github.com/Serph91P/StreamVault-sub002/internal/streamers"
)

// registerAdminRoutes exposes the operator surface: streamer add/remove
// and force start/stop. Authentication/session handling belongs to the
// reverse proxy in front; these handlers only map core errors to status
// codes.
func registerAdminRoutes(mux *http.ServeMux, registry *streamers.Service, lm *lifecycle.Manager) {
	mux.HandleFunc("/api/streamers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			login := r.URL.Query().Get("login")
			if login == "" {
				http.Error(w, "login required", http.StatusBadRequest)
				return
			}
			s, err := registry.Add(r.Context(), login)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"id": s.ID, "login": s.Login, "is_live": s.IsLive})
		case http.MethodDelete:
			id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
			if err != nil {
				http.Error(w, "numeric id required", http.StatusBadRequest)
				return
			}
			if err := registry.Remove(r.Context(), id); err != nil {
				writeCoreError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/recordings/force-start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("streamer_id"), 10, 64)
		if err != nil {
			http.Error(w, "numeric streamer_id required", http.StatusBadRequest)
			return
		}
		if err := lm.ForceStart(r.Context(), id, eventsub.Event{StartedAt: time.Now()}); err != nil {
			writeCoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/recordings/force-stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("streamer_id"), 10, 64)
		if err != nil {
			http.Error(w, "numeric streamer_id required", http.StatusBadRequest)
			return
		}
		if err := lm.ForceStop(r.Context(), id); err != nil {
			writeCoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// writeCoreError maps core error kinds to HTTP status codes: client
// precondition failures become 4xx, everything else 5xx.
func writeCoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case coreerrors.Is(err, coreerrors.KindStreamerNotFound),
		coreerrors.Is(err, coreerrors.KindStreamNotFound):
		status = http.StatusNotFound
	case coreerrors.Is(err, coreerrors.KindRecordingActive):
		status = http.StatusConflict
	case coreerrors.Is(err, coreerrors.KindConfig),
		coreerrors.Is(err, coreerrors.KindProxyUnreachable):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
