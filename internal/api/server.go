// Package api exposes the admin surface: conversation inspection, persona
// and backend configuration, retention control, and the event stream.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/finchley/autoreply/internal/events"
	"github.com/finchley/autoreply/internal/pipeline"
	"github.com/finchley/autoreply/internal/reply"
	"github.com/finchley/autoreply/internal/retention"
	"github.com/finchley/autoreply/internal/store"
)

type Server struct {
	Store     *store.Store
	Gateway   *reply.Gateway
	Bus       *events.Bus
	Sweeper   *retention.Sweeper
	Pipeline  *pipeline.Pipeline
	StartedAt time.Time
	Info      DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationItem)
	mux.HandleFunc("/api/backends", s.handleBackends)
	mux.HandleFunc("/api/backends/select", s.handleBackendSelect)
	mux.HandleFunc("/api/retention/sweep", s.handleSweep)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	items, err := s.Store.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleConversationItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("conversation"))
		return
	}
	peer, err := url.PathUnescape(segments[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodDelete:
			if err := s.Store.Delete(r.Context(), peer); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			// Clear the peer's dedupe slot so a repeated greeting after
			// the wipe is not suppressed as a duplicate.
			if s.Pipeline != nil {
				s.Pipeline.Forget(peer)
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "history":
		s.handleHistory(w, r, peer)
	case "persona":
		s.handlePersona(w, r, peer)
	default:
		writeError(w, http.StatusNotFound, errNotFound("conversation action"))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, peer string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	history, err := s.Store.History(r.Context(), peer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if history == nil {
		history = []store.Message{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePersona(w http.ResponseWriter, r *http.Request, peer string) {
	switch r.Method {
	case http.MethodGet:
		persona, err := s.Store.GetPersona(r.Context(), peer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"peer": peer, "persona": persona})
	case http.MethodPut:
		var payload struct {
			Persona string `json:"persona"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(payload.Persona) == "" {
			writeError(w, http.StatusBadRequest, errBadRequest("persona is required"))
			return
		}
		if err := s.Store.SetPersona(r.Context(), peer, payload.Persona); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.Gateway.Active(),
		"backends": s.Gateway.Backends(),
	})
}

func (s *Server) handleBackendSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Gateway.Select(payload.Name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": s.Gateway.Active()})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Sweeper == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("retention sweeper"))
		return
	}
	removed, err := s.Sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("event bus"))
		return
	}
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = events.StreamReplies
	}
	items, err := s.Bus.List(r.Context(), stream, events.ListOptions{
		Limit: parseInt(r.URL.Query().Get("limit"), 50),
		Order: r.URL.Query().Get("order"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if items == nil {
		items = []events.Event{}
	}
	writeJSON(w, http.StatusOK, items)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type apiError struct {
	msg string
}

func (e apiError) Error() string { return e.msg }

func errNotFound(target string) error {
	return apiError{msg: target + " not found"}
}

func errBadRequest(msg string) error {
	return apiError{msg: msg}
}
