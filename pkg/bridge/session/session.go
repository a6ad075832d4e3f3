package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/audio"
	"github.com/vango-go/voice-bridge/pkg/bridge/dispatch"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime"
)

type State int

const (
	StatePending State = iota
	StateActive
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

const (
	greetingNew      = "Hi! I'm ready to help you plan your trip. Just tell me which city you'd like to visit and for how many days."
	greetingExisting = "Great! I can see your %d-day itinerary for %s is displayed on the map. How can I help you with your trip planning?"
)

// Upstream is the part of realtime.Client a session drives.
type Upstream interface {
	Connect(ctx context.Context) error
	AppendAudio(ctx context.Context, pcm []byte) error
	CommitAudio(ctx context.Context) error
	ClearAudio(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	SendFunctionResult(ctx context.Context, callID, output string) error
	UpdateSession(ctx context.Context, patch realtime.SessionPatch) error
	Speaking() bool
	Stats() realtime.Stats
	Close() error
}

// ItineraryEvent is emitted after plan_trip succeeds.
type ItineraryEvent struct {
	Itinerary *itinerary.Itinerary
	City      string
	Days      int
}

// Sink receives the events a session produces for its browser connection.
// Methods are called from upstream goroutines and must not block.
//
// OnAudio reports whether the chunk was accepted; a refused chunk stays
// buffered in the session and is offered again by FlushAudio.
type Sink interface {
	OnAudio(pcm []byte, itemID string) bool
	OnTranscript(t realtime.Transcript)
	OnSpeechStarted()
	OnSpeechStopped()
	OnSessionUpdate(session json.RawMessage)
	OnItinerary(ev ItineraryEvent)
	OnError(err *apierror.Error)
	// OnReplaced tells a connection that another one took over the session.
	OnReplaced()
}

// Snapshot is a point-in-time view of one session.
type Snapshot struct {
	ID              string    `json:"session_id"`
	ConversationID  string    `json:"conversation_id"`
	State           string    `json:"state"`
	Active          bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	ConnectedAt     time.Time `json:"connected_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	AudioSentKB     float64   `json:"audio_sent_kb"`
	AudioReceivedKB float64   `json:"audio_received_kb"`
	Messages        int64     `json:"message_count"`
	FunctionCalls   int64     `json:"function_calls"`
	HasItinerary    bool      `json:"has_itinerary"`
	City            string    `json:"current_city,omitempty"`
	Days            int       `json:"current_days,omitempty"`
}

// Session binds one conversation to one upstream connection. It is the
// realtime.Listener for its client and forwards browser-facing events to the
// attached Sink.
type Session struct {
	ID        string
	Addr      string
	Handle    string
	CreatedAt time.Time

	logger   *slog.Logger
	observer Observer
	audio    *audio.Buffer
	memory   *dispatch.Memory
	bridge   *dispatch.Bridge
	onDrop   func(*Session)

	functionTimeout time.Duration
	ctx             context.Context
	cancel          context.CancelFunc

	// deliverMu orders outbound audio to the sink. Taken before mu.
	deliverMu sync.Mutex

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	connectedAt   time.Time
	upstream      Upstream
	activating    chan struct{}
	activateErr   error
	sink          Sink
	greeted       bool
	audioSent     int64
	audioReceived int64
	messages      int64
	functionCalls int64
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Active() bool { return s.State() == StateActive }

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Memory is the conversation memory shared with the function handlers.
func (s *Session) Memory() *dispatch.Memory { return s.memory }

// Functions returns the names of the functions advertised upstream.
func (s *Session) Functions() []string { return s.bridge.Names() }

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Attach makes sink the receiver of browser-facing events and returns the
// sink it replaced, if any. Audio that arrived while nothing was attached is
// flushed to the new sink.
func (s *Session) Attach(sink Sink) Sink {
	s.mu.Lock()
	prev := s.sink
	s.sink = sink
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if prev != nil && prev != sink {
		prev.OnReplaced()
	} else {
		prev = nil
	}
	s.FlushAudio()
	return prev
}

// Detach clears sink if it is still the attached one and reports whether it was.
func (s *Session) Detach(sink Sink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != sink || sink == nil {
		return false
	}
	s.sink = nil
	return true
}

// FlushAudio offers buffered model audio to the attached sink.
func (s *Session) FlushAudio() { s.deliverAudio("") }

func (s *Session) deliverAudio(itemID string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	sink := s.currentSink()
	if sink == nil {
		return
	}
	chunk := s.audio.DrainOutbound(0)
	if len(chunk) == 0 {
		return
	}
	if !sink.OnAudio(chunk, itemID) {
		s.audio.UnreadOutbound(chunk)
	}
}

func (s *Session) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// client returns the upstream client if the session is active.
func (s *Session) client() (Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateActive:
		s.lastActivity = time.Now()
		return s.upstream, nil
	case StateDeactivated:
		return nil, ErrSessionClosed
	default:
		return nil, ErrNotConnected
	}
}

// SendAudio forwards captured PCM upstream in arrival order.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	up, err := s.client()
	if err != nil {
		return err
	}
	s.audio.WriteInbound(pcm)
	chunk := s.audio.DrainInbound(0)
	if len(chunk) == 0 {
		return nil
	}
	if err := up.AppendAudio(ctx, chunk); err != nil {
		return err
	}
	s.mu.Lock()
	s.audioSent += int64(len(chunk))
	s.mu.Unlock()
	s.observer.AudioBytes(DirectionInbound, len(chunk))
	return nil
}

func (s *Session) CommitAudio(ctx context.Context) error {
	up, err := s.client()
	if err != nil {
		return err
	}
	return up.CommitAudio(ctx)
}

func (s *Session) ClearAudio(ctx context.Context) error {
	up, err := s.client()
	if err != nil {
		return err
	}
	s.audio.DrainInbound(0)
	return up.ClearAudio(ctx)
}

// SendText sends a typed user message.
func (s *Session) SendText(ctx context.Context, text string) error {
	up, err := s.client()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages++
	s.mu.Unlock()
	return up.SendText(ctx, text)
}

// Interrupt cancels the model's in-progress response and drops audio not
// yet delivered to the browser.
func (s *Session) Interrupt(ctx context.Context) error {
	up, err := s.client()
	if err != nil {
		return err
	}
	s.deliverMu.Lock()
	s.audio.DrainOutbound(0)
	s.deliverMu.Unlock()
	return up.Interrupt(ctx)
}

func (s *Session) UpdateSession(ctx context.Context, patch realtime.SessionPatch) error {
	up, err := s.client()
	if err != nil {
		return err
	}
	return up.UpdateSession(ctx, patch)
}

// Greet sends the welcome line once per session. It returns the text and
// whether it was sent by this call.
func (s *Session) Greet(ctx context.Context) (string, bool, error) {
	up, err := s.client()
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	if s.greeted {
		s.mu.Unlock()
		return "", false, nil
	}
	s.greeted = true
	s.mu.Unlock()

	text := greetingNew
	if trip, ok := s.memory.Trip(); ok && trip.City != "" && trip.Days > 0 {
		text = greetingText(trip.City, trip.Days)
	}
	if err := up.SendText(ctx, text); err != nil {
		return text, false, err
	}
	return text, true, nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:              s.ID,
		ConversationID:  s.Handle,
		State:           s.state.String(),
		Active:          s.state == StateActive,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.lastActivity,
		ConnectedAt:     s.connectedAt,
		AudioSentKB:     float64(s.audioSent) / 1024,
		AudioReceivedKB: float64(s.audioReceived) / 1024,
		Messages:        s.messages,
		FunctionCalls:   s.functionCalls,
	}
	s.mu.Unlock()

	if !snap.ConnectedAt.IsZero() {
		snap.DurationSeconds = time.Since(snap.ConnectedAt).Seconds()
	}
	if trip, ok := s.memory.Trip(); ok {
		snap.HasItinerary = true
		snap.City = trip.City
		snap.Days = trip.Days
	}
	return snap
}

// shutdown releases everything the session owns. Called once, without the
// manager lock.
func (s *Session) shutdown(up Upstream) {
	s.cancel()
	if up != nil {
		_ = up.Close()
	}
	s.audio.Reset()
}

// realtime.Listener

func (s *Session) OnSessionUpdate(raw json.RawMessage) {
	if sink := s.currentSink(); sink != nil {
		sink.OnSessionUpdate(raw)
	}
}

func (s *Session) OnSpeechStarted(realtime.SpeechEvent) {
	s.Touch()
	// Barge-in: audio queued for the browser is stale.
	s.audio.DrainOutbound(0)
	if sink := s.currentSink(); sink != nil {
		sink.OnSpeechStarted()
	}
}

func (s *Session) OnSpeechStopped(realtime.SpeechEvent) {
	if sink := s.currentSink(); sink != nil {
		sink.OnSpeechStopped()
	}
}

func (s *Session) OnTranscript(t realtime.Transcript) {
	if t.Final {
		s.mu.Lock()
		s.messages++
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
	if sink := s.currentSink(); sink != nil {
		sink.OnTranscript(t)
	}
}

func (s *Session) OnAudio(pcm []byte, itemID string) {
	s.audio.WriteOutbound(pcm)
	s.mu.Lock()
	s.audioReceived += int64(len(pcm))
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.observer.AudioBytes(DirectionOutbound, len(pcm))
	s.deliverAudio(itemID)
}

func (s *Session) OnFunctionCall(call realtime.FunctionCall) {
	s.mu.Lock()
	s.functionCalls++
	s.lastActivity = time.Now()
	s.mu.Unlock()
	go s.runFunctionCall(call)
}

func (s *Session) runFunctionCall(call realtime.FunctionCall) {
	ctx := s.ctx
	if s.functionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.functionTimeout)
		defer cancel()
	}
	start := time.Now()
	res := s.bridge.Dispatch(ctx, call.CallID, call.Name, call.Arguments)
	s.observer.FunctionCall(call.Name, res.Success, time.Since(start))

	if res.Success && res.Itinerary != nil {
		if sink := s.currentSink(); sink != nil {
			sink.OnItinerary(ItineraryEvent{Itinerary: res.Itinerary.Clone(), City: res.City, Days: res.Days})
		}
	}
	if s.ctx.Err() != nil {
		// Session ended while the function ran.
		return
	}

	up, err := s.client()
	if err != nil {
		s.logger.Debug("dropping function result for inactive session", "call_id", call.CallID, "function", call.Name)
		return
	}
	sendCtx, cancel := context.WithTimeout(s.ctx, realtime.DefaultWriteTimeout)
	defer cancel()
	if err := up.SendFunctionResult(sendCtx, call.CallID, res.Output()); err != nil {
		s.logger.Warn("failed to send function result", "call_id", call.CallID, "function", call.Name, "error", err)
	}
}

func (s *Session) OnError(err error) {
	ae := apierror.From(err)
	var uerr *realtime.UpstreamError
	if errors.As(err, &uerr) {
		s.observer.UpstreamError(ae.Code)
	}
	if sink := s.currentSink(); sink != nil {
		sink.OnError(ae)
	}
}

func (s *Session) OnClosed(err error) {
	s.logger.Warn("upstream closed", "error", err)
	if s.onDrop != nil {
		s.onDrop(s)
	}
}

func greetingText(city string, days int) string {
	return fmt.Sprintf(greetingExisting, days, city)
}
