package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/audio"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime"
	"github.com/vango-go/voice-bridge/pkg/bridge/session"
)

const priorityQueue = 64

var backpressureEvent = ErrorEvent{
	Message:       "connection is too slow to keep up",
	Code:          "backpressure",
	VoiceResponse: apierror.VoiceConnectionLost,
}

// outboundFrame is one queued text frame. With closeAfter set the socket is
// closed with 1008 and reason once the frame is written.
type outboundFrame struct {
	payload    []byte
	closeAfter bool
	reason     string
}

// conn is one browser socket. It is the session.Sink for the session it is
// attached to; sink methods only enqueue and never block.
type conn struct {
	h      Handler
	ws     *websocket.Conn
	id     string
	addr   string
	handle string
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	priority chan outboundFrame
	normal   chan outboundFrame

	// deferred is set when the session kept audio back because normal was full.
	deferred   atomic.Bool
	deferrals  atomic.Int64
	overflowed atomic.Bool

	mu   sync.Mutex
	sess *session.Session
}

func newConn(h Handler, ws *websocket.Conn, id, addr, handle string, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	queue := h.Config.OutboundQueue
	if queue <= 0 {
		queue = DefaultOutboundQueue
	}
	return &conn{
		h:        h,
		ws:       ws,
		id:       id,
		addr:     addr,
		handle:   handle,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, priorityQueue),
		normal:   make(chan outboundFrame, queue),
	}
}

func (c *conn) run(s *session.Session) {
	c.setSession(s)
	s.Attach(c)
	c.logger.Info("browser connected", "session_id", s.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writeLoop(); err != nil {
			c.logger.Debug("browser writer stopped", "error", err)
		}
		c.cancel()
		_ = c.ws.Close()
	}()

	c.emit(EventConnected, Connected{
		SessionID:      s.ID,
		ConnectionID:   c.id,
		ConversationID: c.handle,
		Status:         "connected",
	})

	c.readLoop()
	c.cancel()
	<-writerDone

	cur := c.session()
	if cur.Detach(c) {
		c.h.Manager.Deactivate(cur.ID, session.ReasonClientDisconnect)
		c.h.Manager.Remove(cur.ID)
	}
	c.logger.Info("browser disconnected", "session_id", cur.ID, "audio_deferrals", c.deferrals.Load())
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) setSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *conn) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && c.ctx.Err() == nil {
				c.logger.Debug("browser read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.emitError(apierror.New(apierror.KindInvalidRequest, "bad_request", "expected text frame"))
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			c.emitError(apierror.From(err))
			continue
		}
		c.handleMessage(msg)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *conn) handleMessage(msg any) {
	s := c.session()
	switch m := msg.(type) {
	case StartSession:
		c.startSession()
	case AudioData:
		pcm, err := audio.Decode(m.Audio)
		if err != nil {
			c.emitError(apierror.From(err))
			return
		}
		c.quiet("audio_data", s.SendAudio(c.ctx, pcm))
	case CommitAudio:
		c.quiet("commit_audio", s.CommitAudio(c.ctx))
	case ClearAudio:
		c.quiet("clear_audio", s.ClearAudio(c.ctx))
	case SendText:
		c.quiet("send_text", s.SendText(c.ctx, m.Text))
	case Interrupt:
		if err := s.Interrupt(c.ctx); err != nil {
			c.quiet("interrupt", err)
			return
		}
		c.emit(EventInterrupted, Interrupted{Status: "interrupted"})
	case MapReady:
		text, sent, err := s.Greet(c.ctx)
		if err != nil {
			c.quiet("map_ready", err)
			return
		}
		if sent {
			c.emit(EventGreeting, Greeting{Text: text})
		}
	case GetStats:
		if _, ok := c.h.Manager.Get(s.ID); !ok {
			c.emit(EventStats, map[string]string{"error": "No session"})
			return
		}
		c.emit(EventStats, s.Snapshot())
	case Ping:
		c.emit(EventPong, Pong{Timestamp: unixSeconds(time.Now())})
	}
}

// quiet logs failures that need no browser event: sends while the session is
// not active are dropped, and transport failures are reported by the session.
func (c *conn) quiet(op string, err error) {
	if err == nil || errors.Is(err, session.ErrNotConnected) || errors.Is(err, session.ErrSessionClosed) {
		return
	}
	c.logger.Debug("browser event failed", "event", op, "error", err)
}

func (c *conn) startSession() {
	s := c.session()
	if s.State() == session.StateDeactivated {
		ns, err := c.h.Manager.CreateOrGet(c.addr, c.handle)
		if err != nil {
			c.emitError(apierror.From(err))
			return
		}
		c.setSession(ns)
		ns.Attach(c)
		s = ns
	}

	status := "active"
	if s.Active() {
		status = "already_active"
	}
	timeout := c.h.Config.ActivateTimeout
	if timeout <= 0 {
		timeout = DefaultActivateTimeout
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	if err := c.h.Manager.Activate(ctx, s.ID); err != nil {
		c.logger.Warn("session activation failed", "session_id", s.ID, "error", err)
		c.emitError(apierror.From(err))
		return
	}
	c.emit(EventSessionStarted, SessionStarted{
		SessionID:           s.ID,
		Status:              status,
		FunctionsRegistered: len(s.Functions()),
		Timestamp:           unixSeconds(time.Now()),
	})
}

// session.Sink

// OnAudio refuses the chunk when the audio queue is full. The session keeps
// it and offers it again once the writer has caught up.
func (c *conn) OnAudio(pcm []byte, itemID string) bool {
	if c.enqueue(EventAudioChunk, AudioChunk{Audio: audio.Encode(pcm), ItemID: itemID}, false) {
		return true
	}
	if c.ctx.Err() == nil {
		c.deferred.Store(true)
		if n := c.deferrals.Add(1); n == 1 || n%100 == 0 {
			c.logger.Warn("browser audio queue full, holding audio in session", "deferrals", n)
		}
	}
	return false
}

func (c *conn) OnTranscript(t realtime.Transcript) {
	c.emit(EventTranscript, Transcript{Text: t.Text, ItemID: t.ItemID, IsFinal: t.Final, Role: t.Role})
}

func (c *conn) OnSpeechStarted() { c.emit(EventSpeechStarted, nil) }

func (c *conn) OnSpeechStopped() { c.emit(EventSpeechStopped, nil) }

func (c *conn) OnSessionUpdate(raw json.RawMessage) {
	c.emit(EventSessionUpdate, raw)
}

func (c *conn) OnItinerary(ev session.ItineraryEvent) {
	c.emit(EventRenderItinerary, RenderItinerary{
		Itinerary: ev.Itinerary,
		City:      ev.City,
		Days:      ev.Days,
		Source:    "voice",
		Timestamp: unixSeconds(time.Now()),
	})
}

func (c *conn) OnError(e *apierror.Error) { c.emitError(e) }

func (c *conn) OnReplaced() {
	c.logger.Info("browser connection replaced")
	c.push(outboundFrame{
		payload:    mustEncode(EventError, ErrorEvent{Message: "another connection took over this conversation", Code: "replaced"}),
		closeAfter: true,
		reason:     "replaced",
	}, true)
}

func (c *conn) emitError(e *apierror.Error) {
	ev := errorEvent(e)
	f := outboundFrame{payload: mustEncode(EventError, ev)}
	if e != nil && e.Close {
		f.closeAfter = true
		f.reason = e.Code
	}
	c.push(f, true)
}

func (c *conn) emit(event string, data any) { c.enqueue(event, data, true) }

// enqueue frames data and queues it. Control events share the priority
// queue so they are not stuck behind audio.
func (c *conn) enqueue(event string, data any, control bool) bool {
	payload, err := EncodeServerEvent(event, data)
	if err != nil {
		c.logger.Error("encode browser event failed", "event", event, "error", err)
		return false
	}
	return c.push(outboundFrame{payload: payload}, control)
}

// push queues f and reports whether it was accepted. A full audio queue
// refuses the frame; a full priority queue ends the connection with a
// backpressure error.
func (c *conn) push(f outboundFrame, control bool) bool {
	if f.payload == nil || c.ctx.Err() != nil {
		return false
	}
	if !control {
		select {
		case c.normal <- f:
			return true
		default:
			return false
		}
	}
	select {
	case c.priority <- f:
		return true
	default:
	}
	if c.overflowed.CompareAndSwap(false, true) {
		c.logger.Warn("browser control queue full, closing connection", "queued", len(c.priority))
		c.cancel()
	}
	return false
}

func (c *conn) writeLoop() error {
	ping := c.h.Config.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	timeout := c.h.writeTimeout()

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		// Control frames go first.
		select {
		case f := <-c.priority:
			if done, err := c.write(f, timeout); done || err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-c.h.Lifecycle.Done():
			c.flushPriority(timeout)
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			_ = c.ws.WriteMessage(websocket.TextMessage, mustEncode(EventError, ErrorEvent{Message: "server is shutting down", Code: "server_shutdown", VoiceResponse: apierror.VoiceConnectionLost}))
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server_shutdown"), time.Now().Add(timeout))
			return nil
		case <-c.ctx.Done():
			c.flushPriority(timeout)
			if c.overflowed.Load() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
				_ = c.ws.WriteMessage(websocket.TextMessage, mustEncode(EventError, backpressureEvent))
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, backpressureEvent.Code), time.Now().Add(timeout))
				return nil
			}
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(timeout))
			return nil
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(timeout)); err != nil {
				return err
			}
			c.resumeAudio()
		case f := <-c.priority:
			if done, err := c.write(f, timeout); done || err != nil {
				return err
			}
		case f := <-c.normal:
			if done, err := c.write(f, timeout); done || err != nil {
				return err
			}
			c.resumeAudio()
		}
	}
}

// resumeAudio asks the session for audio it held back once the queue has
// room again.
func (c *conn) resumeAudio() {
	if len(c.normal) > cap(c.normal)/2 || !c.deferred.CompareAndSwap(true, false) {
		return
	}
	if s := c.session(); s != nil {
		s.FlushAudio()
	}
}

// write sends one frame and reports whether the connection should end.
func (c *conn) write(f outboundFrame, timeout time.Duration) (bool, error) {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return true, err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, f.payload); err != nil {
		return true, err
	}
	if f.closeAfter {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, f.reason), time.Now().Add(2*time.Second))
		return true, nil
	}
	return false, nil
}

func (c *conn) flushPriority(timeout time.Duration) {
	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case f := <-c.priority:
			if done, _ := c.write(f, timeout); done {
				return
			}
		default:
			return
		}
	}
}

func mustEncode(event string, data any) []byte {
	b, err := EncodeServerEvent(event, data)
	if err != nil {
		return nil
	}
	return b
}
