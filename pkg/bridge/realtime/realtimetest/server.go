// Package realtimetest provides a scriptable in-process stand-in for the
// upstream realtime websocket service.
package realtimetest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one client event received by the fake upstream.
type Event struct {
	Type   string
	Raw    json.RawMessage
	Fields map[string]any
}

// String returns a top-level string field.
func (e Event) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Audio decodes the base64 audio field of input_audio_buffer.append.
func (e Event) Audio() []byte {
	b, _ := base64.StdEncoding.DecodeString(e.String("audio"))
	return b
}

// Server accepts realtime websocket connections.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// Script, when set, runs for every event on the connection's read goroutine.
	Script func(c *Conn, ev Event)

	reject atomic.Int32
	hold   atomic.Int64
	dials  atomic.Int32

	mu    sync.Mutex
	conns []*Conn
	accCh chan *Conn
}

// NewServer starts a fake upstream and closes it when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		accCh:    make(chan *Conn, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	tb.Cleanup(s.Close)
	return s
}

// URL is the ws:// address to dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/realtime"
}

// Reject makes subsequent handshakes fail with status. Zero accepts again.
func (s *Server) Reject(status int) { s.reject.Store(int32(status)) }

// Hold delays every handshake by d.
func (s *Server) Hold(d time.Duration) { s.hold.Store(int64(d)) }

// Dials counts handshake attempts, including rejected ones.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Conns returns every accepted connection so far.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Accept waits for the next accepted connection.
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.accCh:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("realtimetest: timed out waiting for a connection")
	}
}

func (s *Server) Close() {
	for _, c := range s.Conns() {
		c.Drop()
	}
	s.srv.Close()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if d := time.Duration(s.hold.Load()); d > 0 {
		time.Sleep(d)
	}
	if status := int(s.reject.Load()); status != 0 {
		http.Error(w, `{"error":{"message":"rejected"}}`, status)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		ws:     ws,
		events: make(chan Event, 1024),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.accCh <- c:
	default:
	}
	c.readLoop(s.Script)
}

// Conn is one accepted upstream connection.
type Conn struct {
	Header http.Header
	Query  url.Values

	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	once    sync.Once
	closed  chan struct{}
}

func (c *Conn) readLoop(script func(*Conn, Event)) {
	defer c.Drop()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		ev := Event{Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &ev.Fields); err == nil {
			ev.Type, _ = ev.Fields["type"].(string)
		}
		if script != nil {
			script(c, ev)
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// Closed is closed once the connection has gone away.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Next returns the next received event.
func (c *Conn) Next(timeout time.Duration) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-time.After(timeout):
		return Event{}, errors.New("realtimetest: timed out waiting for an event")
	}
}

// Expect skips events until one of type typ arrives.
func (c *Conn) Expect(typ string, timeout time.Duration) (Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return Event{}, fmt.Errorf("realtimetest: timed out waiting for %s", typ)
		}
		ev, err := c.Next(left)
		if err != nil {
			return Event{}, fmt.Errorf("realtimetest: timed out waiting for %s", typ)
		}
		if ev.Type == typ {
			return ev, nil
		}
	}
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(string(raw))
}

// SendRaw writes s verbatim.
func (c *Conn) SendRaw(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// SendAudio sends a response.audio.delta carrying pcm.
func (c *Conn) SendAudio(itemID string, pcm []byte) error {
	return c.Send(map[string]any{
		"type":    "response.audio.delta",
		"item_id": itemID,
		"delta":   base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendFunctionCall sends a completed function call with raw arguments.
func (c *Conn) SendFunctionCall(callID, name, arguments string) error {
	return c.Send(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   callID,
		"name":      name,
		"arguments": arguments,
	})
}

// Drop closes the socket without a close frame.
func (c *Conn) Drop() {
	c.once.Do(func() {
		_ = c.ws.Close()
		close(c.closed)
	})
}
