// Package lifecycle holds process state shared by the HTTP handlers during
// graceful shutdown.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle tracks draining and the number of open browser sockets. The zero
// value is ready to use and a nil *Lifecycle is never draining.
type Lifecycle struct {
	draining atomic.Bool
	conns    atomic.Int64

	initOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func (l *Lifecycle) doneCh() chan struct{} {
	l.initOnce.Do(func() { l.done = make(chan struct{}) })
	return l.done
}

// Shutdown starts draining and asks every tracked connection to close.
func (l *Lifecycle) Shutdown() {
	if l == nil {
		return
	}
	l.draining.Store(true)
	l.closeOnce.Do(func() { close(l.doneCh()) })
}

// Done is closed by Shutdown. A nil *Lifecycle returns a nil channel.
func (l *Lifecycle) Done() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.doneCh()
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Track registers one open connection. The returned func must be called
// exactly once when it closes.
func (l *Lifecycle) Track() func() {
	if l == nil {
		return func() {}
	}
	l.conns.Add(1)
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			l.conns.Add(-1)
		}
	}
}

func (l *Lifecycle) Connections() int64 {
	if l == nil {
		return 0
	}
	return l.conns.Load()
}

// WaitIdle blocks until no connections are tracked or ctx is done.
func (l *Lifecycle) WaitIdle(ctx context.Context) error {
	if l == nil {
		return nil
	}
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for l.conns.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
