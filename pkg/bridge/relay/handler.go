// Package relay serves the browser websocket channel. Each socket is bound
// to one conversation handle and forwards browser events to its session and
// session events back to the browser.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/clientip"
	"github.com/vango-go/voice-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/voice-bridge/pkg/bridge/ratelimit"
	"github.com/vango-go/voice-bridge/pkg/bridge/session"
)

const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultPingInterval    = 20 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultActivateTimeout = 15 * time.Second
	DefaultOutboundQueue   = 256

	// ConversationCookie carries the conversation handle across reloads.
	ConversationCookie = "conversation_id"
)

type Config struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins map[string]struct{}

	TrustProxyHeaders bool
	MaxMessageBytes   int64
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ActivateTimeout   time.Duration
	OutboundQueue     int
}

// DenialObserver is told about connects refused before the upgrade.
type DenialObserver interface {
	ConnectDenied(reason string)
}

// Handler upgrades /travel/ws requests.
type Handler struct {
	Manager   *session.Manager
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
	Observer  DenialObserver
	Config    Config
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTTPError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		h.denied("draining")
		writeHTTPError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	if !h.originAllowed(r) {
		h.denied("origin")
		writeHTTPError(w, http.StatusForbidden, "origin_not_allowed", "origin is not allowed")
		return
	}

	addr := clientip.Resolve(r, h.Config.TrustProxyHeaders)
	dec := h.Limiter.AcquireConnection(addr, time.Now())
	if !dec.Allowed {
		h.denied(dec.Reason)
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		writeHTTPError(w, http.StatusTooManyRequests, dec.Reason, "too many connections")
		return
	}
	defer dec.Permit.Release()

	handle := conversationHandle(r)
	var respHeader http.Header
	if handle == "" {
		handle = uuid.NewString()
		respHeader = http.Header{}
		respHeader.Add("Set-Cookie", (&http.Cookie{Name: ConversationCookie, Value: handle, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode}).String())
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}
	defer ws.Close()
	defer h.Lifecycle.Track()()

	maxBytes := h.Config.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	ws.SetReadLimit(maxBytes)

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connID := uuid.NewString()
	logger = logger.With("connection_id", connID, "conversation_id", handle, "remote_addr", addr)

	s, err := h.Manager.CreateOrGet(addr, handle)
	if err != nil {
		h.writeWSError(ws, apierror.From(err))
		logger.Info("browser connection denied", "error", err)
		return
	}

	c := newConn(h, ws, connID, addr, handle, logger)
	c.run(s)
}

func (h Handler) denied(reason string) {
	if h.Observer != nil {
		h.Observer.ConnectDenied(reason)
	}
}

func (h Handler) originAllowed(r *http.Request) bool {
	if len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if _, ok := h.Config.AllowedOrigins["*"]; ok {
		return true
	}
	_, ok := h.Config.AllowedOrigins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func (h Handler) writeTimeout() time.Duration {
	if h.Config.WriteTimeout > 0 {
		return h.Config.WriteTimeout
	}
	return DefaultWriteTimeout
}

// writeWSError sends an error event on a socket with no writer goroutine yet
// and closes it with 1008.
func (h Handler) writeWSError(ws *websocket.Conn, e *apierror.Error) {
	payload, err := EncodeServerEvent(EventError, errorEvent(e))
	if err != nil {
		return
	}
	deadline := time.Now().Add(h.writeTimeout())
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, payload)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, e.Code), time.Now().Add(2*time.Second))
}

func conversationHandle(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("conversation")); v != "" {
		return v
	}
	if ck, err := r.Cookie(ConversationCookie); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

func errorEvent(e *apierror.Error) ErrorEvent {
	if e == nil {
		return ErrorEvent{Message: "internal error", Code: "internal_error", VoiceResponse: apierror.VoiceUnknown}
	}
	return ErrorEvent{Message: e.Message, Code: e.Code, VoiceResponse: e.VoiceResponse}
}

func writeHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
