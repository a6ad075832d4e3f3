// Package handlers serves the plain HTTP routes next to the websocket.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/voice-bridge/pkg/bridge/mw"
	"github.com/vango-go/voice-bridge/pkg/bridge/session"
)

type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 once the server starts draining so load
// balancers stop routing new browsers here.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Manager   *session.Manager
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		AtCapacity  bool     `json:"at_capacity"`
		Connections int64    `json:"connections"`
		Issues      []string `json:"issues,omitempty"`
	}

	resp := readyResp{OK: true, Connections: h.Lifecycle.Connections()}
	if h.Lifecycle.IsDraining() {
		resp.OK = false
		resp.Draining = true
		resp.Issues = append(resp.Issues, "server is draining")
	}
	if h.Manager == nil {
		resp.OK = false
		resp.Issues = append(resp.Issues, "session manager not configured")
	} else {
		st := h.Manager.Stats()
		resp.AtCapacity = st.ActiveSessions+st.ActivatingSessions >= st.MaxConcurrentSessions
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// StatsHandler serves GET /travel/api/stats.
type StatsHandler struct {
	Manager   *session.Manager
	Lifecycle *lifecycle.Lifecycle
}

type StatsResponse struct {
	session.Stats
	Connections int64              `json:"connections"`
	Sessions    []session.Snapshot `json:"sessions"`
}

func (h StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		mw.WriteError(w, http.StatusMethodNotAllowed, reqID, apierror.New(apierror.KindInvalidRequest, "method_not_allowed", "method not allowed"))
		return
	}
	if h.Manager == nil {
		mw.WriteError(w, http.StatusServiceUnavailable, reqID, apierror.New(apierror.KindInternal, "not_ready", "session manager not configured"))
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:       h.Manager.Stats(),
		Connections: h.Lifecycle.Connections(),
		Sessions:    h.Manager.ActiveSessions(),
	})
}

// NotFound answers unknown paths with the JSON error envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteError(w, http.StatusNotFound, reqID, apierror.New(apierror.KindInvalidRequest, "not_found", "not found"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
