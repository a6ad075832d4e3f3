package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-bridge/pkg/bridge/audio"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
	"github.com/vango-go/voice-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime/realtimetest"
	"github.com/vango-go/voice-bridge/pkg/bridge/session"
)

const wait = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubGenerator() itinerary.Generator {
	return itinerary.GeneratorFunc(func(ctx context.Context, city string, days int) (*itinerary.Itinerary, error) {
		it := &itinerary.Itinerary{City: city}
		for d := 1; d <= days; d++ {
			it.Days = append(it.Days, itinerary.Day{Day: d, Stops: []itinerary.Stop{{Name: "Museum"}, {Name: "Cafe"}}})
		}
		return it, nil
	})
}

type relayEnv struct {
	up      *realtimetest.Server
	manager *session.Manager
	srv     *httptest.Server
}

func newRelay(t *testing.T, mutate func(*session.Config, *Handler)) *relayEnv {
	t.Helper()
	up := realtimetest.NewServer(t)
	cfg := session.Config{
		MaxConcurrentSessions: 5,
		RateLimitPerAddress:   3,
		SessionTimeout:        time.Minute,
		Realtime: realtime.Config{
			URL:            up.URL(),
			APIKey:         "sk-test",
			ConnectTimeout: time.Second,
			Session:        realtime.SessionConfig{Voice: "alloy", Modalities: []string{"text", "audio"}},
		},
	}
	h := Handler{Logger: quietLogger(), Lifecycle: &lifecycle.Lifecycle{}}
	if mutate != nil {
		mutate(&cfg, &h)
	}
	m := session.NewManager(cfg, session.Deps{Logger: quietLogger(), Generator: stubGenerator()})
	h.Manager = m

	mux := http.NewServeMux()
	mux.Handle("/travel/ws", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		m.CloseAll(session.ReasonShutdown)
	})
	return &relayEnv{up: up, manager: m, srv: srv}
}

type browser struct {
	t    *testing.T
	ws   *websocket.Conn
	resp *http.Response
}

func (e *relayEnv) dial(t *testing.T, query string) *browser {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/travel/ws"
	if query != "" {
		u += "?" + query
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &browser{t: t, ws: ws, resp: resp}
}

func (b *browser) send(event string, data any) {
	b.t.Helper()
	raw, err := EncodeServerEvent(event, data)
	require.NoError(b.t, err)
	require.NoError(b.t, b.ws.WriteMessage(websocket.TextMessage, raw))
}

func (b *browser) next() (Envelope, error) {
	_ = b.ws.SetReadDeadline(time.Now().Add(wait))
	_, data, err := b.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	err = json.Unmarshal(data, &env)
	return env, err
}

// expect skips frames until event arrives and decodes its data into out.
func (b *browser) expect(event string, out any) {
	b.t.Helper()
	for {
		env, err := b.next()
		require.NoError(b.t, err, "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if out != nil {
			require.NoError(b.t, json.Unmarshal(env.Data, out))
		}
		return
	}
}

func (b *browser) expectClose(code int) {
	b.t.Helper()
	for {
		_, err := b.next()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(b.t, errors.As(err, &ce), "err=%v, want close error", err)
		assert.Equal(b.t, code, ce.Code)
		return
	}
}

func (b *browser) start(e *relayEnv) (SessionStarted, *realtimetest.Conn) {
	b.t.Helper()
	b.send(EventStartSession, nil)
	var started SessionStarted
	b.expect(EventSessionStarted, &started)
	up, err := e.up.Accept(wait)
	require.NoError(b.t, err)
	return started, up
}

func TestRelay_StartSessionActivates(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-1")

	var connected Connected
	b.expect(EventConnected, &connected)
	assert.NotEmpty(t, connected.SessionID)
	assert.NotEmpty(t, connected.ConnectionID)
	assert.Equal(t, "tab-1", connected.ConversationID)

	started, up := b.start(e)
	assert.Equal(t, connected.SessionID, started.SessionID)
	assert.Equal(t, "active", started.Status)
	assert.Equal(t, 2, started.FunctionsRegistered)
	assert.Greater(t, started.Timestamp, float64(0))

	ev, err := up.Next(wait)
	require.NoError(t, err)
	assert.Equal(t, realtime.EventSessionUpdate, ev.Type)

	s, ok := e.manager.Lookup("tab-1")
	require.True(t, ok)
	assert.Equal(t, session.StateActive, s.State())

	b.send(EventStartSession, nil)
	var again SessionStarted
	b.expect(EventSessionStarted, &again)
	assert.Equal(t, "already_active", again.Status)
	assert.Equal(t, 1, e.up.Dials())
}

func TestRelay_AudioCommitAndFunctionCall(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-2")
	b.expect(EventConnected, nil)
	_, up := b.start(e)

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	for i := 0; i < 3; i++ {
		b.send(EventAudioData, AudioData{Audio: audio.Encode(pcm)})
	}
	b.send(EventCommitAudio, nil)

	var got []byte
	for i := 0; i < 3; i++ {
		ev, err := up.Expect(realtime.EventInputAudioAppend, wait)
		require.NoError(t, err)
		got = append(got, ev.Audio()...)
	}
	assert.Len(t, got, 3*len(pcm))
	_, err := up.Expect(realtime.EventInputAudioCommit, wait)
	require.NoError(t, err)
	_, err = up.Expect(realtime.EventResponseCreate, wait)
	require.NoError(t, err)

	require.NoError(t, up.SendFunctionCall("call_1", "plan_trip", `{"city":"Paris","days":3}`))

	var render RenderItinerary
	b.expect(EventRenderItinerary, &render)
	assert.Equal(t, "Paris", render.City)
	assert.Equal(t, 3, render.Days)
	assert.Equal(t, "voice", render.Source)
	require.NotNil(t, render.Itinerary)
	assert.Len(t, render.Itinerary.Days, 3)

	item, err := up.Expect(realtime.EventConversationItemCreate, wait)
	require.NoError(t, err)
	body, _ := item.Fields["item"].(map[string]any)
	assert.Equal(t, "function_call_output", body["type"])
	assert.Equal(t, "call_1", body["call_id"])

	output, _ := body["output"].(string)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	assert.Equal(t, true, result["success"])
	voice, _ := result["voice_response"].(string)
	assert.Contains(t, voice, "Paris")
	assert.Contains(t, voice, "3-day")
}

func TestRelay_SpeechEventsInOrder(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-3")
	b.expect(EventConnected, nil)
	_, up := b.start(e)

	require.NoError(t, up.Send(map[string]any{"type": realtime.EventSpeechStarted, "item_id": "item_1", "audio_start_ms": 120}))
	require.NoError(t, up.Send(map[string]any{"type": realtime.EventSpeechStopped, "item_id": "item_1", "audio_end_ms": 900}))

	var order []string
	for len(order) < 2 {
		env, err := b.next()
		require.NoError(t, err)
		if env.Event == EventSpeechStarted || env.Event == EventSpeechStopped {
			order = append(order, env.Event)
		}
	}
	assert.Equal(t, []string{EventSpeechStarted, EventSpeechStopped}, order)
}

func TestRelay_AudioAndTranscriptsReachBrowser(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-4")
	b.expect(EventConnected, nil)
	_, up := b.start(e)

	pcm := []byte{9, 0, 8, 0}
	require.NoError(t, up.SendAudio("item_a", pcm))
	var chunk AudioChunk
	b.expect(EventAudioChunk, &chunk)
	assert.Equal(t, "item_a", chunk.ItemID)
	decoded, err := audio.Decode(chunk.Audio)
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)

	require.NoError(t, up.Send(map[string]any{"type": realtime.EventAudioTranscriptDone, "item_id": "item_a", "transcript": "Bonjour"}))
	var tr Transcript
	b.expect(EventTranscript, &tr)
	assert.Equal(t, "Bonjour", tr.Text)
	assert.True(t, tr.IsFinal)
	assert.Equal(t, realtime.RoleAssistant, tr.Role)
}

func TestRelay_PingStatsAndGreeting(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-5")
	b.expect(EventConnected, nil)

	b.send(EventPing, nil)
	var pong Pong
	b.expect(EventPong, &pong)
	assert.Greater(t, pong.Timestamp, float64(0))

	b.send(EventGetStats, nil)
	var snap session.Snapshot
	b.expect(EventStats, &snap)
	assert.Equal(t, "pending", snap.State)
	assert.False(t, snap.Active)

	_, up := b.start(e)
	b.send(EventMapReady, nil)
	var greeting Greeting
	b.expect(EventGreeting, &greeting)
	assert.Contains(t, greeting.Text, "ready to help you plan your trip")
	ev, err := up.Expect(realtime.EventConversationItemCreate, wait)
	require.NoError(t, err)
	assert.Contains(t, string(ev.Raw), "ready to help you plan your trip")

	b.send(EventInterrupt, nil)
	var interrupted Interrupted
	b.expect(EventInterrupted, &interrupted)
	assert.Equal(t, "interrupted", interrupted.Status)
}

func TestRelay_InvalidFramesReportErrors(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-6")
	b.expect(EventConnected, nil)

	b.send(EventAudioData, AudioData{Audio: "!!not-base64!!"})
	var ev ErrorEvent
	b.expect(EventError, &ev)
	assert.Equal(t, "invalid_audio_payload", ev.Code)

	b.send("teleport", nil)
	b.expect(EventError, &ev)
	assert.Equal(t, "unsupported", ev.Code)

	// Audio before start_session is dropped without an error event.
	b.send(EventAudioData, AudioData{Audio: audio.Encode([]byte{1, 0})})
	b.send(EventPing, nil)
	env, err := b.next()
	require.NoError(t, err)
	assert.Equal(t, EventPong, env.Event)
}

func TestRelay_TransportDropThenRestart(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-7")
	b.expect(EventConnected, nil)
	first, up := b.start(e)

	up.Drop()
	var ev ErrorEvent
	b.expect(EventError, &ev)
	assert.Equal(t, "connection_lost", ev.Code)
	assert.Contains(t, ev.VoiceResponse, "lost the connection")

	require.Eventually(t, func() bool {
		_, ok := e.manager.Get(first.SessionID)
		return !ok
	}, wait, 10*time.Millisecond)

	second, _ := b.start(e)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, "active", second.Status)
	assert.Equal(t, 2, e.up.Dials())
}

func TestRelay_DisconnectRemovesSession(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "conversation=tab-8")
	b.expect(EventConnected, nil)
	_, up := b.start(e)

	_ = b.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = b.ws.Close()

	select {
	case <-up.Closed():
	case <-time.After(wait):
		t.Fatal("upstream connection was not closed")
	}
	require.Eventually(t, func() bool {
		return e.manager.Stats().TotalSessions == 0
	}, wait, 10*time.Millisecond)
	assert.Equal(t, 0, e.manager.AddressCount("127.0.0.1"))
}

func TestRelay_SecondConnectionReplacesFirst(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	first := e.dial(t, "conversation=shared")
	var c1 Connected
	first.expect(EventConnected, &c1)

	second := e.dial(t, "conversation=shared")
	var c2 Connected
	second.expect(EventConnected, &c2)
	assert.Equal(t, c1.SessionID, c2.SessionID)

	var ev ErrorEvent
	first.expect(EventError, &ev)
	assert.Equal(t, "replaced", ev.Code)
	first.expectClose(websocket.ClosePolicyViolation)

	second.send(EventPing, nil)
	second.expect(EventPong, nil)
	_, ok := e.manager.Get(c2.SessionID)
	assert.True(t, ok)
}

func TestRelay_DeniedOverAddressLimit(t *testing.T) {
	t.Parallel()

	e := newRelay(t, func(cfg *session.Config, _ *Handler) { cfg.RateLimitPerAddress = 1 })
	first := e.dial(t, "conversation=a")
	first.expect(EventConnected, nil)

	second := e.dial(t, "conversation=b")
	var ev ErrorEvent
	second.expect(EventError, &ev)
	assert.Equal(t, "rate_limited", ev.Code)
	assert.NotEmpty(t, ev.VoiceResponse)
	second.expectClose(websocket.ClosePolicyViolation)
}

func TestRelay_GeneratesConversationHandle(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	b := e.dial(t, "")
	var connected Connected
	b.expect(EventConnected, &connected)
	require.NotEmpty(t, connected.ConversationID)

	var cookie *http.Cookie
	for _, c := range b.resp.Cookies() {
		if c.Name == ConversationCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, connected.ConversationID, cookie.Value)
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()

	lc := &lifecycle.Lifecycle{}
	denials := &denialRecorder{}
	h := Handler{
		Lifecycle: lc,
		Logger:    quietLogger(),
		Observer:  denials,
		Config:    Config{AllowedOrigins: map[string]struct{}{"https://travel.example": {}}},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/travel/ws", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/travel/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	lc.SetDraining(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/travel/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []string{"origin", "draining"}, denials.reasons)
}

type denialRecorder struct {
	reasons []string
}

func (d *denialRecorder) ConnectDenied(reason string) { d.reasons = append(d.reasons, reason) }

func TestRelay_ShutdownClosesBrowser(t *testing.T) {
	t.Parallel()

	lc := &lifecycle.Lifecycle{}
	e := newRelay(t, func(_ *session.Config, h *Handler) { h.Lifecycle = lc })
	b := e.dial(t, "conversation=bye")
	b.expect(EventConnected, nil)
	require.Eventually(t, func() bool { return lc.Connections() == 1 }, wait, 10*time.Millisecond)

	lc.Shutdown()

	var ev ErrorEvent
	b.expect(EventError, &ev)
	assert.Equal(t, "server_shutdown", ev.Code)
	b.expectClose(websocket.CloseGoingAway)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, lc.WaitIdle(ctx))
	require.Eventually(t, func() bool {
		_, ok := e.manager.Lookup("bye")
		return !ok
	}, wait, 10*time.Millisecond)
}

func TestConn_FullAudioQueueDefersToSession(t *testing.T) {
	t.Parallel()

	e := newRelay(t, nil)
	s, err := e.manager.CreateOrGet("10.0.0.1", "slow")
	require.NoError(t, err)

	c := newConn(Handler{Config: Config{OutboundQueue: 2}}, nil, "conn_1", "10.0.0.1", "slow", quietLogger())
	t.Cleanup(c.cancel)
	c.setSession(s)
	s.Attach(c)

	s.OnAudio([]byte{1}, "item_1")
	s.OnAudio([]byte{2}, "item_1")
	s.OnAudio([]byte{3}, "item_1")
	s.OnAudio([]byte{4}, "item_1")
	assert.Len(t, c.normal, 2)
	assert.True(t, c.deferred.Load())
	assert.NoError(t, c.ctx.Err(), "a slow audio consumer keeps its connection")

	// The writer catches up and the held audio follows in order.
	var got []byte
	for _, f := range []outboundFrame{<-c.normal, <-c.normal} {
		got = append(got, decodeChunk(t, f.payload)...)
	}
	c.resumeAudio()
	require.Len(t, c.normal, 1)
	got = append(got, decodeChunk(t, (<-c.normal).payload)...)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	assert.False(t, c.deferred.Load())
}

func decodeChunk(t *testing.T, payload []byte) []byte {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	require.Equal(t, EventAudioChunk, env.Event)
	var chunk AudioChunk
	require.NoError(t, json.Unmarshal(env.Data, &chunk))
	pcm, err := audio.Decode(chunk.Audio)
	require.NoError(t, err)
	return pcm
}

func TestConn_ControlOverflowClosesWithBackpressure(t *testing.T) {
	t.Parallel()

	upgraded := make(chan *conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(Handler{}, ws, "conn_1", "10.0.0.1", "tab", quietLogger())
		for i := 0; i <= priorityQueue; i++ {
			c.emit(EventPong, Pong{Timestamp: float64(i)})
		}
		upgraded <- c
		_ = c.writeLoop()
		_ = ws.Close()
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := <-upgraded
	assert.True(t, c.overflowed.Load())
	assert.Error(t, c.ctx.Err())

	b := &browser{t: t, ws: ws}
	var ev ErrorEvent
	b.expect(EventError, &ev)
	assert.Equal(t, "backpressure", ev.Code)
	assert.NotEmpty(t, ev.VoiceResponse)
	b.expectClose(websocket.ClosePolicyViolation)
}
