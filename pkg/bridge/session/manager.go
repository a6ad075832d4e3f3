// Package session owns the lifecycle of realtime voice sessions: creation
// per conversation, upstream activation, teardown and idle expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/audio"
	"github.com/vango-go/voice-bridge/pkg/bridge/dispatch"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime"
)

const tracerName = "github.com/vango-go/voice-bridge/pkg/bridge/session"

const (
	DefaultMaxConcurrentSessions = 50
	DefaultRateLimitPerAddress   = 10
	DefaultSessionTimeout        = 10 * time.Minute
	DefaultSweepInterval         = 30 * time.Second
	DefaultFunctionTimeout       = 60 * time.Second
)

// Deactivation reasons.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonTransportLost    = "transport_error"
	ReasonShutdown         = "shutdown"
	ReasonRemoved          = "removed"
)

// ErrRateLimited denies a new session when its address already holds the
// maximum number of pending and active sessions.
var ErrRateLimited = &apierror.Error{
	Kind:    apierror.KindDenied,
	Code:    "rate_limited",
	Message: "too many sessions from this address",
	Close:   true,
}

// ErrCapacityExceeded denies a session when the global active limit is reached.
var ErrCapacityExceeded = &apierror.Error{
	Kind:      apierror.KindDenied,
	Code:      "capacity_exceeded",
	Message:   "the voice service is at capacity",
	Retryable: true,
	Close:     true,
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
	ErrNotConnected    = errors.New("session is not connected")
)

// ActivationError reports a failed upstream connect. The session stays
// pending and may be activated again.
type ActivationError struct {
	SessionID string
	Err       error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate session %s: %v", e.SessionID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

func (e *ActivationError) APIError() *apierror.Error {
	out := &apierror.Error{
		Kind:      apierror.KindActivationFailed,
		Code:      "activation_failed",
		Message:   "could not connect to the voice service",
		Retryable: true,
		Err:       e,
	}
	var herr *realtime.HandshakeError
	if errors.As(e.Err, &herr) {
		out.Code = "upstream_rejected"
		out.Retryable = herr.StatusCode == 429 || herr.StatusCode >= 500
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		out.Code = "activation_timeout"
	}
	return out
}

// UpstreamFactory builds the client for one activation attempt.
type UpstreamFactory func(cfg realtime.Config, l realtime.Listener, logger *slog.Logger) Upstream

// NewRealtimeUpstream is the production UpstreamFactory.
func NewRealtimeUpstream(cfg realtime.Config, l realtime.Listener, logger *slog.Logger) Upstream {
	return realtime.NewClient(cfg, l, logger)
}

type Config struct {
	MaxConcurrentSessions int
	RateLimitPerAddress   int
	SessionTimeout        time.Duration
	SweepInterval         time.Duration
	FunctionTimeout       time.Duration
	AudioFormat           audio.Format

	// Realtime is the template for every upstream client. Tools are filled
	// in per session from the function registry.
	Realtime realtime.Config
}

type Deps struct {
	Logger      *slog.Logger
	Observer    Observer
	Generator   itinerary.Generator
	NewUpstream UpstreamFactory
}

// Stats is the manager-wide view served by the stats endpoint.
type Stats struct {
	TotalSessions         int     `json:"total_sessions"`
	ActiveSessions        int     `json:"active_sessions"`
	PendingSessions       int     `json:"pending_sessions"`
	ActivatingSessions    int     `json:"activating_sessions"`
	MaxConcurrentSessions int     `json:"max_concurrent_sessions"`
	RateLimitPerAddress   int     `json:"rate_limit_per_ip"`
	Addresses             int     `json:"addresses"`
	SessionTimeoutSeconds float64 `json:"session_timeout_seconds"`
}

// Manager is the session table. One mutex guards the table, the handle
// index and the rate and capacity counts; it is never held across upstream
// I/O.
type Manager struct {
	cfg         Config
	logger      *slog.Logger
	observer    Observer
	generator   itinerary.Generator
	newUpstream UpstreamFactory

	mu         sync.Mutex
	sessions   map[string]*Session
	byHandle   map[string]string
	perAddr    map[string]int
	active     int
	activating int
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.RateLimitPerAddress <= 0 {
		cfg.RateLimitPerAddress = DefaultRateLimitPerAddress
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.FunctionTimeout <= 0 {
		cfg.FunctionTimeout = DefaultFunctionTimeout
	}
	if cfg.AudioFormat.SampleRate <= 0 {
		cfg.AudioFormat = audio.DefaultFormat()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.NewUpstream == nil {
		deps.NewUpstream = NewRealtimeUpstream
	}
	return &Manager{
		cfg:         cfg,
		logger:      deps.Logger,
		observer:    deps.Observer,
		generator:   deps.Generator,
		newUpstream: deps.NewUpstream,
		sessions:    make(map[string]*Session),
		byHandle:    make(map[string]string),
		perAddr:     make(map[string]int),
	}
}

func (m *Manager) Config() Config { return m.cfg }

// CreateOrGet returns the live session for handle, creating one if needed.
// New sessions count against the per-address limit and the global capacity.
func (m *Manager) CreateOrGet(addr, handle string) (*Session, error) {
	addr = strings.TrimSpace(addr)
	handle = strings.TrimSpace(handle)

	m.mu.Lock()
	if id, ok := m.byHandle[handle]; ok && handle != "" {
		if s := m.sessions[id]; s != nil && s.State() != StateDeactivated {
			m.mu.Unlock()
			s.Touch()
			return s, nil
		}
		delete(m.byHandle, handle)
	}
	if m.perAddr[addr] >= m.cfg.RateLimitPerAddress {
		m.mu.Unlock()
		m.observer.SessionDenied(ErrRateLimited.Code)
		m.logger.Warn("session denied", "reason", ErrRateLimited.Code, "remote_addr", addr)
		return nil, ErrRateLimited
	}
	if m.active >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		m.observer.SessionDenied(ErrCapacityExceeded.Code)
		m.logger.Warn("session denied", "reason", ErrCapacityExceeded.Code, "remote_addr", addr)
		return nil, ErrCapacityExceeded
	}

	s := m.newSession(addr, handle)
	m.sessions[s.ID] = s
	m.byHandle[s.Handle] = s.ID
	m.perAddr[addr]++
	total := len(m.sessions)
	m.mu.Unlock()

	m.observer.SessionCreated()
	s.logger.Info("session created", "total_sessions", total)
	return s, nil
}

func (m *Manager) newSession(addr, handle string) *Session {
	id := "rts_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if handle == "" {
		handle = id
	}
	now := time.Now()
	logger := m.logger.With("session_id", id, "conversation_id", handle, "remote_addr", addr)
	mem := &dispatch.Memory{}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:              id,
		Addr:            addr,
		Handle:          handle,
		CreatedAt:       now,
		logger:          logger,
		observer:        m.observer,
		audio:           audio.NewBuffer(m.cfg.AudioFormat, logger),
		memory:          mem,
		bridge:          dispatch.NewBridge(mem, logger, dispatch.TravelFunctions(m.generator, mem)...),
		functionTimeout: m.cfg.FunctionTimeout,
		ctx:             ctx,
		cancel:          cancel,
		state:           StatePending,
		lastActivity:    now,
	}
	s.onDrop = m.handleDrop
	return s
}

// Activate opens the upstream connection for a pending session. Concurrent
// calls share one attempt; an active session returns nil immediately.
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.mu.Lock()
	switch s.state {
	case StateActive:
		s.mu.Unlock()
		m.mu.Unlock()
		return nil
	case StateDeactivated:
		s.mu.Unlock()
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if wait := s.activating; wait != nil {
		s.mu.Unlock()
		m.mu.Unlock()
		return s.awaitActivation(ctx, wait)
	}
	if m.active+m.activating >= m.cfg.MaxConcurrentSessions {
		s.mu.Unlock()
		m.mu.Unlock()
		m.observer.SessionDenied(ErrCapacityExceeded.Code)
		return ErrCapacityExceeded
	}
	m.activating++
	done := make(chan struct{})
	s.activating = done
	s.mu.Unlock()
	m.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.activate")
	span.SetAttributes(attribute.String("session.id", id))
	defer span.End()

	start := time.Now()
	up := m.newUpstream(m.clientConfig(s), s, s.logger)
	err := up.Connect(ctx)

	var (
		active int
		stale  bool
	)
	m.mu.Lock()
	m.activating--
	s.mu.Lock()
	s.activating = nil
	switch {
	case err != nil:
		err = &ActivationError{SessionID: id, Err: err}
	case s.state != StatePending:
		stale = true
		err = ErrSessionClosed
	default:
		now := time.Now()
		s.state = StateActive
		s.upstream = up
		s.connectedAt = now
		s.lastActivity = now
		m.active++
	}
	s.activateErr = err
	active = m.active
	s.mu.Unlock()
	m.mu.Unlock()
	close(done)

	if stale {
		_ = up.Close()
	}
	m.observer.SessionActivated(err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("session activation failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	m.observer.ActiveSessions(active)
	s.logger.Info("session activated", "active_sessions", active, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Session) awaitActivation(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateActive:
		return nil
	case StateDeactivated:
		return ErrSessionClosed
	}
	return s.activateErr
}

func (m *Manager) clientConfig(s *Session) realtime.Config {
	cfg := m.cfg.Realtime
	defs := s.bridge.Definitions()
	tools := make([]realtime.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, realtime.Tool{Type: d.Type, Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	cfg.Session.Tools = tools
	if cfg.Session.ToolChoice == "" && len(tools) > 0 {
		cfg.Session.ToolChoice = "auto"
	}
	return cfg
}

// Deactivate closes the session's upstream connection and releases its
// rate and capacity slots. It reports whether this call did the work.
func (m *Manager) Deactivate(id, reason string) bool {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	s.mu.Lock()
	if s.state == StateDeactivated {
		s.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	wasActive := s.state == StateActive
	s.state = StateDeactivated
	up := s.upstream
	s.upstream = nil
	connectedAt := s.connectedAt
	sent, received := s.audioSent, s.audioReceived
	messages, calls := s.messages, s.functionCalls
	s.mu.Unlock()

	if wasActive && m.active > 0 {
		m.active--
	}
	if n := m.perAddr[s.Addr]; n <= 1 {
		delete(m.perAddr, s.Addr)
	} else {
		m.perAddr[s.Addr] = n - 1
	}
	active := m.active
	m.mu.Unlock()

	s.shutdown(up)

	lifetime := time.Since(s.CreatedAt)
	if !connectedAt.IsZero() {
		lifetime = time.Since(connectedAt)
	}
	m.observer.SessionEnded(reason, lifetime)
	m.observer.ActiveSessions(active)
	s.logger.Info("session deactivated",
		"reason", reason,
		"was_active", wasActive,
		"duration_ms", lifetime.Milliseconds(),
		"audio_bytes_sent", sent,
		"audio_bytes_received", received,
		"messages", messages,
		"function_calls", calls,
	)
	return true
}

// Remove deactivates the session and deletes it from the table.
func (m *Manager) Remove(id string) {
	m.Deactivate(id, ReasonRemoved)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return
	}
	delete(m.sessions, id)
	if m.byHandle[s.Handle] == id {
		delete(m.byHandle, s.Handle)
	}
}

// handleDrop runs when an active session loses its upstream connection.
func (m *Manager) handleDrop(s *Session) {
	m.Deactivate(s.ID, ReasonTransportLost)
	m.Remove(s.ID)
}

// Get returns the session and marks it as used.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil, false
	}
	s.Touch()
	return s, true
}

// Lookup finds the session for a conversation handle without touching it.
func (m *Manager) Lookup(handle string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHandle[strings.TrimSpace(handle)]
	if !ok {
		return nil, false
	}
	s := m.sessions[id]
	return s, s != nil
}

// SweepExpired removes sessions idle since before now minus SessionTimeout,
// along with any deactivated leftovers. It returns the number removed.
func (m *Manager) SweepExpired(now time.Time) int {
	cutoff := now.Add(-m.cfg.SessionTimeout)

	m.mu.Lock()
	var expired, leftovers []string
	for id, s := range m.sessions {
		s.mu.Lock()
		switch {
		case s.state == StateDeactivated:
			leftovers = append(leftovers, id)
		case s.lastActivity.Before(cutoff):
			expired = append(expired, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Deactivate(id, ReasonIdleTimeout)
		m.Remove(id)
	}
	for _, id := range leftovers {
		m.Remove(id)
	}
	if n := len(expired); n > 0 {
		m.logger.Info("expired idle sessions", "count", n)
	}
	return len(expired) + len(leftovers)
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.SweepExpired(now)
		}
	}
}

// CloseAll deactivates and removes every session.
func (m *Manager) CloseAll(reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Deactivate(id, reason)
		m.Remove(id)
	}
	return len(ids)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		TotalSessions:         len(m.sessions),
		ActiveSessions:        m.active,
		ActivatingSessions:    m.activating,
		MaxConcurrentSessions: m.cfg.MaxConcurrentSessions,
		RateLimitPerAddress:   m.cfg.RateLimitPerAddress,
		Addresses:             len(m.perAddr),
		SessionTimeoutSeconds: m.cfg.SessionTimeout.Seconds(),
	}
	for _, s := range m.sessions {
		if s.State() == StatePending {
			st.PendingSessions++
		}
	}
	return st
}

// ActiveSessions returns snapshots of the active sessions, oldest first.
func (m *Manager) ActiveSessions() []Snapshot {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		if snap := s.Snapshot(); snap.Active {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AddressCount is the number of pending and active sessions for addr.
func (m *Manager) AddressCount(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perAddr[strings.TrimSpace(addr)]
}
