package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr   string `json:"http_addr"`
	DataDir    string `json:"data_dir"`
	DBPath     string `json:"db_path"`
	AppPackage string `json:"app_package"`
	Model      string `json:"model"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	ActiveBackend string          `json:"active_backend"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Pipeline      map[string]any  `json:"pipeline"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		EventBus:      map[string]any{},
		Pipeline:      map[string]any{},
	}
	if s.Gateway != nil {
		resp.ActiveBackend = s.Gateway.Active()
	}
	if s.Bus != nil {
		resp.EventBus["subscribers"] = s.Bus.SubscriberCount()
	}
	if s.Pipeline != nil {
		resp.Pipeline["queued"] = s.Pipeline.QueueLen()
	}
	writeJSON(w, http.StatusOK, resp)
}
