package session

import "time"

// Observer receives lifecycle and traffic signals. The metrics package
// implements it; every method must be safe for concurrent use.
type Observer interface {
	SessionCreated()
	SessionDenied(reason string)
	SessionActivated(success bool, took time.Duration)
	SessionEnded(reason string, lifetime time.Duration)
	ActiveSessions(n int)
	AudioBytes(direction string, n int)
	FunctionCall(name string, success bool, took time.Duration)
	UpstreamError(code string)
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type nopObserver struct{}

func (nopObserver) SessionCreated()                          {}
func (nopObserver) SessionDenied(string)                     {}
func (nopObserver) SessionActivated(bool, time.Duration)     {}
func (nopObserver) SessionEnded(string, time.Duration)       {}
func (nopObserver) ActiveSessions(int)                       {}
func (nopObserver) AudioBytes(string, int)                   {}
func (nopObserver) FunctionCall(string, bool, time.Duration) {}
func (nopObserver) UpstreamError(string)                     {}
