package audio

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
)

// ErrInvalidAudio is returned when a client audio payload cannot be decoded.
var ErrInvalidAudio = &apierror.Error{
	Kind:    apierror.KindInvalidAudio,
	Code:    "invalid_audio_payload",
	Message: "invalid audio payload",
}

// DefaultWarnBytes is roughly ten seconds of 24kHz mono PCM16.
const DefaultWarnBytes = 480_000

// queue is an ordered chunk list. Chunks are never reordered; a drain that
// stops inside a chunk leaves the rest of that chunk at the head.
type queue struct {
	mu        sync.Mutex
	chunks    [][]byte
	size      int
	highWater int
	warned    bool
}

func (q *queue) write(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
	if q.size > q.highWater {
		q.highWater = q.size
	}
}

func (q *queue) drain(n int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	if n <= 0 || n > q.size {
		n = q.size
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := q.chunks[0]
		need := n - len(out)
		if len(head) <= need {
			out = append(out, head...)
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			continue
		}
		out = append(out, head[:need]...)
		q.chunks[0] = head[need:]
	}
	q.size -= len(out)
	if q.size == 0 {
		q.chunks = nil
		q.warned = false
	}
	return out
}

// unread puts p back at the head of the queue.
func (q *queue) unread(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = append([][]byte{chunk}, q.chunks...)
	q.size += len(chunk)
	if q.size > q.highWater {
		q.highWater = q.size
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *queue) peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}

// markWarned reports whether the queue crossed limit for the first time since
// it was last empty.
func (q *queue) markWarned(limit int) bool {
	if limit <= 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size <= limit || q.warned {
		return false
	}
	q.warned = true
	return true
}

func (q *queue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = nil
	q.size = 0
	q.warned = false
}

// Buffer holds raw PCM audio flowing in both directions of a session.
// Inbound is audio captured by the browser; outbound is audio produced by
// the upstream model. Each direction has its own lock.
type Buffer struct {
	Format Format

	// WarnBytes logs a warning once a queue grows past this size. Zero disables it.
	WarnBytes int
	Logger    *slog.Logger

	in  queue
	out queue
}

// NewBuffer returns a Buffer for the given format with the default warning threshold.
func NewBuffer(format Format, logger *slog.Logger) *Buffer {
	return &Buffer{Format: format, WarnBytes: DefaultWarnBytes, Logger: logger}
}

// WriteInbound appends a chunk to the inbound queue.
func (b *Buffer) WriteInbound(p []byte) {
	if b == nil {
		return
	}
	b.in.write(p)
	b.checkSize("inbound", &b.in)
}

// DrainInbound removes and returns up to n bytes from the inbound queue.
// n <= 0 drains everything.
func (b *Buffer) DrainInbound(n int) []byte {
	if b == nil {
		return nil
	}
	return b.in.drain(n)
}

// InboundLen returns the number of queued inbound bytes.
func (b *Buffer) InboundLen() int {
	if b == nil {
		return 0
	}
	return b.in.len()
}

// WriteOutbound appends a chunk to the outbound queue.
func (b *Buffer) WriteOutbound(p []byte) {
	if b == nil {
		return
	}
	b.out.write(p)
	b.checkSize("outbound", &b.out)
}

// DrainOutbound removes and returns up to n bytes from the outbound queue.
// n <= 0 drains everything.
func (b *Buffer) DrainOutbound(n int) []byte {
	if b == nil {
		return nil
	}
	return b.out.drain(n)
}

// UnreadOutbound returns p to the head of the outbound queue, ahead of
// anything written since it was drained.
func (b *Buffer) UnreadOutbound(p []byte) {
	if b == nil {
		return
	}
	b.out.unread(p)
}

// OutboundLen returns the number of queued outbound bytes.
func (b *Buffer) OutboundLen() int {
	if b == nil {
		return 0
	}
	return b.out.len()
}

// HighWater returns the largest size each queue has reached.
func (b *Buffer) HighWater() (inbound, outbound int) {
	if b == nil {
		return 0, 0
	}
	return b.in.peak(), b.out.peak()
}

// Reset discards everything queued in both directions.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.in.reset()
	b.out.reset()
}

func (b *Buffer) checkSize(direction string, q *queue) {
	if !q.markWarned(b.WarnBytes) || b.Logger == nil {
		return
	}
	b.Logger.Warn("audio queue above threshold",
		"direction", direction,
		"bytes", q.len(),
		"duration_ms", b.Format.DurationMs(q.len()),
	)
}

// Decode decodes a base64 audio payload from the browser.
// Data URL prefixes ("data:audio/pcm;base64,") are tolerated.
func Decode(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAudio)
	}
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ","); idx >= 0 {
			payload = payload[idx+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAudio)
	}
	return raw, nil
}

// Encode base64-encodes PCM for the wire.
func Encode(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
