// Package realtime is a websocket client for the OpenAI Realtime API. One
// Client owns one upstream connection for one session.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
)

const (
	DefaultURL            = "wss://api.openai.com/v1/realtime"
	DefaultModel          = "gpt-4o-realtime-preview-2024-12-17"
	DefaultConnectTimeout = 10 * time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

var (
	// ErrClosed is returned by Connect on a client that has already been torn down.
	ErrClosed = errors.New("realtime client is closed")
	// ErrAlreadyConnecting is returned by a second concurrent Connect.
	ErrAlreadyConnecting = errors.New("realtime client is already connecting")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TransportError reports a failed or dropped upstream connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) APIError() *apierror.Error {
	return &apierror.Error{
		Kind:          apierror.KindTransport,
		Code:          "connection_lost",
		Message:       "voice connection lost",
		VoiceResponse: apierror.VoiceConnectionLost,
		Retryable:     true,
		Err:           e,
	}
}

// HandshakeError is a websocket upgrade rejected by the upstream service.
type HandshakeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("realtime handshake rejected (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("realtime handshake rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) APIError() *apierror.Error {
	return &apierror.Error{
		Kind:      apierror.KindActivationFailed,
		Code:      "upstream_rejected",
		Message:   fmt.Sprintf("voice service rejected the connection (status %d)", e.StatusCode),
		Retryable: e.StatusCode == 429 || e.StatusCode >= 500,
		Err:       e,
	}
}

type Config struct {
	URL    string
	APIKey string
	Model  string

	Session SessionConfig

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration

	// MaxResponseDuration cancels a model response that runs longer. Zero disables it.
	MaxResponseDuration time.Duration

	Dialer *websocket.Dialer
}

// Stats are cumulative wire counters for one client.
type Stats struct {
	State          string `json:"state"`
	BytesSent      int64  `json:"bytes_sent"`
	BytesReceived  int64  `json:"bytes_received"`
	AudioBytesSent int64  `json:"audio_bytes_sent"`
	AudioBytesRecv int64  `json:"audio_bytes_received"`
	EventsSent     int64  `json:"events_sent"`
	EventsReceived int64  `json:"events_received"`
	MalformedDrops int64  `json:"malformed_events"`
}

// Client is a single-use upstream connection. The zero state is
// disconnected; once closed it cannot be reconnected.
type Client struct {
	cfg      Config
	listener Listener
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	session        SessionConfig
	speaking       bool
	responseID     string
	itemID         string
	conversationID string
	responseTimer  *time.Timer

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	audioSent      atomic.Int64
	audioReceived  atomic.Int64
	eventsSent     atomic.Int64
	eventsReceived atomic.Int64
	malformed      atomic.Int64
}

func NewClient(cfg Config, listener Listener, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval < 0 {
		cfg.PingInterval = 0
	}
	if listener == nil {
		listener = NopListener{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		listener: listener,
		logger:   logger,
		session:  cfg.Session,
		done:     make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	return c.State() == StateConnected
}

// Speaking reports whether a model response is in progress.
func (c *Client) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// ItemID returns the id of the most recently created conversation item.
func (c *Client) ItemID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemID
}

// ConversationID returns the upstream session id recorded from session.created.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Session returns the configuration as last sent upstream.
func (c *Client) Session() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed when the connection is torn down for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Stats() Stats {
	return Stats{
		State:          c.State().String(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		AudioBytesSent: c.audioSent.Load(),
		AudioBytesRecv: c.audioReceived.Load(),
		EventsSent:     c.eventsSent.Load(),
		EventsReceived: c.eventsReceived.Load(),
		MalformedDrops: c.malformed.Load(),
	}
}

// Connect dials the upstream service and sends the session configuration.
// The dial is bounded by ConnectTimeout. Failure leaves the client closed;
// callers retry with a new Client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL, err := buildURL(c.cfg.URL, c.cfg.Model)
	if err != nil {
		c.abort()
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		c.abort()
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return &HandshakeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body)), Err: err}
		}
		return &TransportError{Op: "dial", Err: err}
	}

	// Hold the write lock across the state flip so nothing reaches the wire
	// ahead of the session configuration.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	session := c.session
	c.mu.Unlock()

	err = c.writeLocked(dialCtx, sessionUpdateEvent{Type: EventSessionUpdate, Session: session})
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(true, nil)
		return &TransportError{Op: "configure", Err: err}
	}

	if c.cfg.PingInterval > 0 {
		c.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
	}
	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.keepAliveLoop(conn)
	}

	c.logger.Info("realtime connected", "model", c.cfg.Model, "voice", session.Voice, "tools", len(session.Tools))
	return nil
}

// Close tears down the connection. Safe to call more than once and from
// any goroutine; the listener is not notified.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.teardown(true, nil)
	return nil
}

func (c *Client) abort() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateClosed
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// teardown moves the client to closed. Unexpected drops (explicit=false)
// are reported to the listener exactly once.
func (c *Client) teardown(explicit bool, cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateClosed
	c.speaking = false
	conn := c.conn
	if c.responseTimer != nil {
		c.responseTimer.Stop()
		c.responseTimer = nil
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})

	if explicit || !wasConnected {
		return
	}
	if cause == nil {
		cause = errors.New("connection closed")
	}
	terr := &TransportError{Op: "read", Err: cause}
	c.logger.Warn("realtime connection lost", "error", cause)
	c.listener.OnError(terr)
	c.listener.OnClosed(terr)
}

func (c *Client) extendReadDeadline() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.SetReadDeadline(time.Now().Add(2*c.cfg.PingInterval + c.cfg.WriteTimeout))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(false, err)
			return
		}
		c.bytesReceived.Add(int64(len(data)))
		c.eventsReceived.Add(1)
		if c.cfg.PingInterval > 0 {
			c.extendReadDeadline()
		}
		c.handle(data)
	}
}

func (c *Client) keepAliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.teardown(false, err)
				return
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		c.malformed.Add(1)
		c.logger.Warn("dropping malformed realtime event", "bytes", len(data), "error", err)
		return
	}
	if !c.Connected() {
		return
	}

	switch ev.Type {
	case EventSessionCreated:
		var meta struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(ev.Session, &meta)
		c.mu.Lock()
		c.conversationID = meta.ID
		c.mu.Unlock()
		c.listener.OnSessionUpdate(ev.Session)
	case EventSessionUpdated:
		c.listener.OnSessionUpdate(ev.Session)
	case EventSpeechStarted:
		c.listener.OnSpeechStarted(SpeechEvent{ItemID: ev.ItemID, AudioMS: ev.AudioStartMS})
	case EventSpeechStopped:
		c.listener.OnSpeechStopped(SpeechEvent{ItemID: ev.ItemID, AudioMS: ev.AudioEndMS})
	case EventItemCreated:
		if ev.Item != nil {
			c.mu.Lock()
			c.itemID = ev.Item.ID
			c.mu.Unlock()
		}
	case EventInputTranscriptDone:
		c.listener.OnTranscript(Transcript{Text: ev.Transcript, ItemID: ev.ItemID, Final: true, Role: RoleUser})
	case EventResponseCreated:
		c.startResponse(ev.Response)
	case EventResponseDone, EventResponseCancelled:
		c.finishResponse()
	case EventAudioTranscriptDelta:
		c.listener.OnTranscript(Transcript{Text: ev.Delta, ItemID: ev.ItemID, Role: RoleAssistant})
	case EventAudioTranscriptDone:
		c.listener.OnTranscript(Transcript{Text: ev.Transcript, ItemID: ev.ItemID, Final: true, Role: RoleAssistant})
	case EventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Warn("dropping undecodable audio delta", "item_id", ev.ItemID, "error", err)
			return
		}
		c.audioReceived.Add(int64(len(pcm)))
		c.listener.OnAudio(pcm, ev.ItemID)
	case EventFunctionArgumentsDone:
		c.listener.OnFunctionCall(FunctionCall{
			CallID:    ev.CallID,
			Name:      ev.Name,
			Arguments: normalizeArguments(ev.Arguments),
		})
	case EventError:
		uerr := ev.Error
		if uerr == nil {
			uerr = &UpstreamError{Message: "unknown error"}
		}
		c.logger.Warn("realtime error event", "code", uerr.Code, "message", uerr.Message)
		c.listener.OnError(uerr)
	}
}

func (c *Client) startResponse(resp *eventResponse) {
	id := ""
	if resp != nil {
		id = resp.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = true
	c.responseID = id
	if c.responseTimer != nil {
		c.responseTimer.Stop()
		c.responseTimer = nil
	}
	if limit := c.cfg.MaxResponseDuration; limit > 0 {
		c.responseTimer = time.AfterFunc(limit, func() {
			c.mu.Lock()
			stale := !c.speaking || c.responseID != id
			c.mu.Unlock()
			if stale {
				return
			}
			c.logger.Info("cancelling response over duration cap", "response_id", id, "limit", limit)
			_ = c.Interrupt(context.Background())
		})
	}
}

func (c *Client) finishResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = false
	if c.responseTimer != nil {
		c.responseTimer.Stop()
		c.responseTimer = nil
	}
}

// AppendAudio forwards raw PCM to the upstream input buffer. All audio is
// forwarded; silence handling is left to server VAD.
func (c *Client) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	err := c.send(ctx, EventInputAudioAppend, audioAppendEvent{
		Type:  EventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err == nil && c.Connected() {
		c.audioSent.Add(int64(len(pcm)))
	}
	return err
}

// CommitAudio ends the user's turn and asks for a response.
func (c *Client) CommitAudio(ctx context.Context) error {
	if err := c.send(ctx, EventInputAudioCommit, typeOnlyEvent{Type: EventInputAudioCommit}); err != nil {
		return err
	}
	return c.send(ctx, EventResponseCreate, typeOnlyEvent{Type: EventResponseCreate})
}

func (c *Client) ClearAudio(ctx context.Context) error {
	return c.send(ctx, EventInputAudioClear, typeOnlyEvent{Type: EventInputAudioClear})
}

// SendText adds a user text message and asks for a response.
func (c *Client) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := c.send(ctx, EventConversationItemCreate, itemCreateEvent{
		Type: EventConversationItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    RoleUser,
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return c.send(ctx, EventResponseCreate, typeOnlyEvent{Type: EventResponseCreate})
}

// Interrupt cancels the in-progress response. It is a no-op while the
// model is not speaking.
func (c *Client) Interrupt(ctx context.Context) error {
	if !c.Speaking() {
		return nil
	}
	return c.send(ctx, EventResponseCancel, typeOnlyEvent{Type: EventResponseCancel})
}

// SendFunctionResult answers a function call and asks the model to continue.
func (c *Client) SendFunctionResult(ctx context.Context, callID, output string) error {
	if err := c.send(ctx, EventConversationItemCreate, itemCreateEvent{
		Type: EventConversationItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return c.send(ctx, EventResponseCreate, typeOnlyEvent{Type: EventResponseCreate})
}

// UpdateSession sends only the fields set in patch.
func (c *Client) UpdateSession(ctx context.Context, patch SessionPatch) error {
	if patch.Empty() {
		return nil
	}
	if err := c.send(ctx, EventSessionUpdate, sessionUpdateEvent{Type: EventSessionUpdate, Session: patch}); err != nil {
		return err
	}
	c.mu.Lock()
	c.session = patch.Apply(c.session)
	c.mu.Unlock()
	return nil
}

// send writes one event. While not connected it logs and returns nil, so
// sends racing a teardown are dropped quietly.
func (c *Client) send(ctx context.Context, eventType string, payload any) error {
	if c == nil {
		return nil
	}
	c.writeMu.Lock()
	if !c.Connected() {
		c.writeMu.Unlock()
		c.logger.Debug("dropping realtime event while not connected", "type", eventType)
		return nil
	}
	err := c.writeLocked(ctx, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(false, err)
		return &TransportError{Op: "write " + eventType, Err: err}
	}
	return nil
}

func (c *Client) writeLocked(ctx context.Context, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	c.bytesSent.Add(int64(len(raw)))
	c.eventsSent.Add(1)
	return nil
}

func buildURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
