package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime/realtimetest"
)

const wait = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubGenerator() itinerary.Generator {
	return itinerary.GeneratorFunc(func(ctx context.Context, city string, days int) (*itinerary.Itinerary, error) {
		it := &itinerary.Itinerary{City: city}
		for d := 1; d <= days; d++ {
			it.Days = append(it.Days, itinerary.Day{Day: d, Stops: []itinerary.Stop{{Name: "Museum"}, {Name: "Park"}}})
		}
		return it, nil
	})
}

// countingFactory counts how many upstream clients were built.
type countingFactory struct {
	n atomic.Int32
}

func (f *countingFactory) build(cfg realtime.Config, l realtime.Listener, logger *slog.Logger) Upstream {
	f.n.Add(1)
	return realtime.NewClient(cfg, l, logger)
}

func newTestManager(t *testing.T, up *realtimetest.Server, mutate func(*Config)) (*Manager, *countingFactory) {
	t.Helper()
	cfg := Config{
		MaxConcurrentSessions: 5,
		RateLimitPerAddress:   3,
		SessionTimeout:        time.Minute,
		Realtime: realtime.Config{
			APIKey:         "sk-test",
			ConnectTimeout: time.Second,
			Session:        realtime.SessionConfig{Voice: "alloy", Modalities: []string{"text", "audio"}},
		},
	}
	if up != nil {
		cfg.Realtime.URL = up.URL()
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &countingFactory{}
	m := NewManager(cfg, Deps{Logger: quietLogger(), Generator: stubGenerator(), NewUpstream: f.build})
	t.Cleanup(func() { m.CloseAll(ReasonShutdown) })
	return m, f
}

type fakeSink struct {
	mu          sync.Mutex
	audio       [][]byte
	transcripts []realtime.Transcript
	errs        []*apierror.Error
	replaced    int
	refuse      bool

	itineraries chan ItineraryEvent
	errCh       chan *apierror.Error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		itineraries: make(chan ItineraryEvent, 4),
		errCh:       make(chan *apierror.Error, 4),
	}
}

func (s *fakeSink) OnAudio(pcm []byte, itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.audio = append(s.audio, pcm)
	return true
}

func (s *fakeSink) setRefuse(v bool) {
	s.mu.Lock()
	s.refuse = v
	s.mu.Unlock()
}

func (s *fakeSink) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.audio {
		out = append(out, c...)
	}
	return out
}

func (s *fakeSink) OnTranscript(t realtime.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, t)
}

func (s *fakeSink) OnSpeechStarted()                {}
func (s *fakeSink) OnSpeechStopped()                {}
func (s *fakeSink) OnSessionUpdate(json.RawMessage) {}

func (s *fakeSink) OnItinerary(ev ItineraryEvent) { s.itineraries <- ev }

func (s *fakeSink) OnError(err *apierror.Error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.errCh <- err
}

func (s *fakeSink) OnReplaced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced++
}

func (s *fakeSink) replacedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

func TestCreateOrGet_OneSessionPerHandle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, nil)

	a, err := m.CreateOrGet("10.0.0.1", "tab-1")
	require.NoError(t, err)
	b, err := m.CreateOrGet("10.0.0.1", "tab-1")
	require.NoError(t, err)
	c, err := m.CreateOrGet("10.0.0.1", "tab-2")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotEqual(t, a.ID, c.ID)
	assert.True(t, strings.HasPrefix(a.ID, "rts_"), "id=%s", a.ID)
	assert.Equal(t, StatePending, a.State())
	assert.Equal(t, 2, m.AddressCount("10.0.0.1"))
	assert.Equal(t, 2, m.Stats().TotalSessions)
	assert.Equal(t, 2, m.Stats().PendingSessions)

	got, ok := m.Lookup("tab-1")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestCreateOrGet_ConcurrentSameHandle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, func(c *Config) { c.RateLimitPerAddress = 100 })

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.CreateOrGet("10.0.0.9", "shared")
			if err == nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, m.Stats().TotalSessions)
	assert.Equal(t, 1, m.AddressCount("10.0.0.9"))
}

func TestCreateOrGet_PerAddressLimit(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, func(c *Config) { c.RateLimitPerAddress = 2 })

	first, err := m.CreateOrGet("10.0.0.1", "a")
	require.NoError(t, err)
	_, err = m.CreateOrGet("10.0.0.1", "b")
	require.NoError(t, err)

	_, err = m.CreateOrGet("10.0.0.1", "c")
	require.ErrorIs(t, err, ErrRateLimited)
	ae := apierror.From(err)
	assert.Equal(t, apierror.KindDenied, ae.Kind)
	assert.True(t, ae.Close)

	_, err = m.CreateOrGet("10.0.0.2", "d")
	require.NoError(t, err, "other addresses are unaffected")

	m.Remove(first.ID)
	assert.Equal(t, 1, m.AddressCount("10.0.0.1"))
	_, err = m.CreateOrGet("10.0.0.1", "c")
	require.NoError(t, err)
}

func TestActivate_ConcurrentCallsDialOnce(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	up.Hold(50 * time.Millisecond)
	m, f := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Activate(context.Background(), s.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, m.Activate(context.Background(), s.ID))
	assert.Equal(t, int32(1), f.n.Load())
	assert.Equal(t, 1, up.Dials())
	assert.True(t, s.Active())
	assert.False(t, s.ConnectedAt().IsZero())
	assert.Equal(t, 1, m.Stats().ActiveSessions)

	conn, err := up.Accept(wait)
	require.NoError(t, err)
	ev, err := conn.Expect(realtime.EventSessionUpdate, wait)
	require.NoError(t, err)
	session, _ := ev.Fields["session"].(map[string]any)
	tools, _ := session["tools"].([]any)
	assert.Len(t, tools, 2)
	assert.Equal(t, "auto", session["tool_choice"])
}

func TestDeactivate_Idempotent(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)
	require.NoError(t, m.Activate(context.Background(), s.ID))
	conn, err := up.Accept(wait)
	require.NoError(t, err)

	assert.True(t, m.Deactivate(s.ID, ReasonClientDisconnect))
	assert.False(t, m.Deactivate(s.ID, ReasonClientDisconnect))
	assert.Equal(t, StateDeactivated, s.State())
	assert.Equal(t, 0, m.AddressCount("10.0.0.1"))
	assert.Equal(t, 0, m.Stats().ActiveSessions)

	select {
	case <-conn.Closed():
	case <-time.After(wait):
		t.Fatal("upstream connection was not closed")
	}

	require.ErrorIs(t, m.Activate(context.Background(), s.ID), ErrSessionClosed)
	require.ErrorIs(t, s.SendAudio(context.Background(), []byte{1, 2}), ErrSessionClosed)

	fresh, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fresh.ID)

	require.ErrorIs(t, m.Activate(context.Background(), "rts_missing"), ErrSessionNotFound)
}

func TestActivate_FailureLeavesSessionPending(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	up.Reject(http.StatusServiceUnavailable)
	m, f := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)

	err = m.Activate(context.Background(), s.ID)
	var aerr *ActivationError
	require.ErrorAs(t, err, &aerr)
	ae := apierror.From(err)
	assert.Equal(t, apierror.KindActivationFailed, ae.Kind)
	assert.Equal(t, "upstream_rejected", ae.Code)
	assert.True(t, ae.Retryable)

	assert.Equal(t, StatePending, s.State())
	st := m.Stats()
	assert.Equal(t, 0, st.ActiveSessions)
	assert.Equal(t, 0, st.ActivatingSessions)
	require.ErrorIs(t, s.SendAudio(context.Background(), []byte{1}), ErrNotConnected)

	up.Reject(0)
	require.NoError(t, m.Activate(context.Background(), s.ID))
	assert.True(t, s.Active())
	assert.Equal(t, int32(2), f.n.Load(), "a new client per attempt")
}

func TestActivate_CapacityExceeded(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, func(c *Config) { c.MaxConcurrentSessions = 1 })

	a, err := m.CreateOrGet("10.0.0.1", "a")
	require.NoError(t, err)
	b, err := m.CreateOrGet("10.0.0.2", "b")
	require.NoError(t, err)

	require.NoError(t, m.Activate(context.Background(), a.ID))
	require.ErrorIs(t, m.Activate(context.Background(), b.ID), ErrCapacityExceeded)

	_, err = m.CreateOrGet("10.0.0.3", "c")
	require.ErrorIs(t, err, ErrCapacityExceeded)

	m.Remove(a.ID)
	require.NoError(t, m.Activate(context.Background(), b.ID))
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, func(c *Config) { c.SessionTimeout = time.Minute })

	a, err := m.CreateOrGet("10.0.0.1", "a")
	require.NoError(t, err)
	b, err := m.CreateOrGet("10.0.0.1", "b")
	require.NoError(t, err)

	now := time.Now()
	assert.Equal(t, 0, m.SweepExpired(now))
	assert.Equal(t, 2, m.Stats().TotalSessions)

	// One second either side of the timeout.
	a.mu.Lock()
	a.lastActivity = now.Add(-(time.Minute - time.Second))
	a.mu.Unlock()
	b.mu.Lock()
	b.lastActivity = now.Add(-(time.Minute + time.Second))
	b.mu.Unlock()

	assert.Equal(t, 1, m.SweepExpired(now))
	_, ok := m.Lookup("b")
	assert.False(t, ok)
	_, ok = m.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, 1, m.AddressCount("10.0.0.1"))
}

func TestRun_StopsWithContext(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, func(c *Config) { c.SweepInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}
}

func TestTransportDropRemovesSession(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)
	sink := newFakeSink()
	s.Attach(sink)
	require.NoError(t, m.Activate(context.Background(), s.ID))
	conn, err := up.Accept(wait)
	require.NoError(t, err)

	conn.Drop()

	select {
	case ae := <-sink.errCh:
		assert.Equal(t, apierror.KindTransport, ae.Kind)
		assert.Equal(t, apierror.VoiceConnectionLost, ae.VoiceResponse)
	case <-time.After(wait):
		t.Fatal("no transport error delivered")
	}
	require.Eventually(t, func() bool {
		_, ok := m.Lookup("tab")
		return !ok
	}, wait, 10*time.Millisecond)
	assert.Equal(t, StateDeactivated, s.State())
	assert.Equal(t, 0, m.AddressCount("10.0.0.1"))
}

func TestFunctionCallRoundTrip(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)
	sink := newFakeSink()
	s.Attach(sink)
	require.NoError(t, m.Activate(context.Background(), s.ID))
	conn, err := up.Accept(wait)
	require.NoError(t, err)

	require.NoError(t, conn.SendFunctionCall("call_1", "plan_trip", `{"city":"Paris","days":3}`))

	select {
	case ev := <-sink.itineraries:
		assert.Equal(t, "Paris", ev.City)
		assert.Equal(t, 3, ev.Days)
		assert.Len(t, ev.Itinerary.Days, 3)
	case <-time.After(wait):
		t.Fatal("no itinerary event")
	}

	item, err := conn.Expect(realtime.EventConversationItemCreate, wait)
	require.NoError(t, err)
	body, _ := item.Fields["item"].(map[string]any)
	assert.Equal(t, "function_call_output", body["type"])
	assert.Equal(t, "call_1", body["call_id"])
	assert.Contains(t, body["output"], `"success":true`)
	_, err = conn.Expect(realtime.EventResponseCreate, wait)
	require.NoError(t, err)

	assert.True(t, s.Memory().HasItinerary())
	assert.Equal(t, int64(1), s.Snapshot().FunctionCalls)
	assert.True(t, s.Snapshot().HasItinerary)
}

func TestUnknownFunctionAnswersUpstream(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)
	require.NoError(t, m.Activate(context.Background(), s.ID))
	conn, err := up.Accept(wait)
	require.NoError(t, err)

	require.NoError(t, conn.SendFunctionCall("call_x", "book_flight", `{}`))

	item, err := conn.Expect(realtime.EventConversationItemCreate, wait)
	require.NoError(t, err)
	body, _ := item.Fields["item"].(map[string]any)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body["output"].(string)), &out))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "call_x", out["call_id"])
	assert.Contains(t, out["error"], "unknown function")
	assert.True(t, s.Active(), "session survives unknown functions")
}

func TestGreetOnce(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)

	_, sent, err := s.Greet(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, sent)

	require.NoError(t, m.Activate(context.Background(), s.ID))
	conn, err := up.Accept(wait)
	require.NoError(t, err)

	text, sent, err := s.Greet(context.Background())
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, greetingNew, text)

	_, sent, err = s.Greet(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)

	ev, err := conn.Expect(realtime.EventConversationItemCreate, wait)
	require.NoError(t, err)
	assert.Contains(t, string(ev.Raw), "ready to help you plan your trip")

	assert.Equal(t,
		"Great! I can see your 3-day itinerary for Rome is displayed on the map. How can I help you with your trip planning?",
		greetingText("Rome", 3))
}

func TestAttachReplacesPreviousSink(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, nil)
	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)

	first, second := newFakeSink(), newFakeSink()
	assert.Nil(t, s.Attach(first))
	assert.Equal(t, Sink(first), s.Attach(second))
	assert.Equal(t, 1, first.replacedCount())

	assert.False(t, s.Detach(first), "a replaced sink no longer owns the session")
	assert.True(t, s.Detach(second))
}

func TestAudioCountersAndBuffering(t *testing.T) {
	t.Parallel()

	up := realtimetest.NewServer(t)
	m, _ := newTestManager(t, up, nil)

	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)
	require.NoError(t, m.Activate(context.Background(), s.ID))
	conn, err := up.Accept(wait)
	require.NoError(t, err)

	require.NoError(t, s.SendAudio(context.Background(), make([]byte, 2048)))
	ev, err := conn.Expect(realtime.EventInputAudioAppend, wait)
	require.NoError(t, err)
	assert.Len(t, ev.Audio(), 2048)

	// Audio arriving with no browser attached is held until one attaches.
	require.NoError(t, conn.SendAudio("item_1", []byte{1, 2, 3, 4}))
	require.Eventually(t, func() bool { return s.Snapshot().AudioReceivedKB > 0 }, wait, 5*time.Millisecond)

	sink := newFakeSink()
	s.Attach(sink)
	sink.mu.Lock()
	require.Len(t, sink.audio, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, sink.audio[0])
	sink.mu.Unlock()

	snap := s.Snapshot()
	assert.Equal(t, 2.0, snap.AudioSentKB)
	assert.True(t, snap.Active)
}

func TestRefusedAudioStaysBuffered(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, nil)
	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)

	sink := newFakeSink()
	sink.setRefuse(true)
	s.Attach(sink)

	s.OnAudio([]byte{1, 2}, "item_1")
	s.OnAudio([]byte{3}, "item_1")
	assert.Empty(t, sink.received())
	assert.Equal(t, 3, s.audio.OutboundLen())

	sink.setRefuse(false)
	s.OnAudio([]byte{4}, "item_1")
	assert.Equal(t, []byte{1, 2, 3, 4}, sink.received())
	assert.Equal(t, 0, s.audio.OutboundLen())

	sink.setRefuse(true)
	s.OnAudio([]byte{5}, "item_2")
	sink.setRefuse(false)
	s.FlushAudio()
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, sink.received())
}

func TestAttachDuringAudioKeepsOrder(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, nil)
	s, err := m.CreateOrGet("10.0.0.1", "tab")
	require.NoError(t, err)

	const chunks = 200
	halfway := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < chunks; i++ {
			if i == chunks/2 {
				close(halfway)
			}
			s.OnAudio([]byte{byte(i)}, "item_1")
		}
	}()

	<-halfway
	sink := newFakeSink()
	s.Attach(sink)
	<-done

	got := sink.received()
	require.Len(t, got, chunks)
	for i, b := range got {
		require.Equal(t, byte(i), b, "chunk %d out of order", i)
	}
}

func TestActivationErrorClassification(t *testing.T) {
	t.Parallel()

	err := &ActivationError{SessionID: "rts_1", Err: context.DeadlineExceeded}
	assert.Equal(t, "activation_timeout", apierror.From(err).Code)

	err = &ActivationError{SessionID: "rts_1", Err: &realtime.HandshakeError{StatusCode: 401}}
	ae := apierror.From(err)
	assert.Equal(t, "upstream_rejected", ae.Code)
	assert.False(t, ae.Retryable)
}
