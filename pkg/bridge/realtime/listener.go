package realtime

import "encoding/json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type SpeechEvent struct {
	ItemID  string
	AudioMS int
}

// Transcript is user or assistant text. Assistant text arrives as deltas
// followed by one final transcript for the item.
type Transcript struct {
	Text   string
	ItemID string
	Final  bool
	Role   string
}

// FunctionCall is a completed tool invocation. Arguments is always a JSON object.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Listener receives upstream events. Callbacks run on the client's read
// goroutine and must not block on the client itself. No callback fires after
// Close, and an unexpected drop is reported once through OnError followed by
// OnClosed.
type Listener interface {
	OnSessionUpdate(session json.RawMessage)
	OnSpeechStarted(ev SpeechEvent)
	OnSpeechStopped(ev SpeechEvent)
	OnTranscript(t Transcript)
	OnAudio(pcm []byte, itemID string)
	OnFunctionCall(call FunctionCall)
	OnError(err error)
	OnClosed(err error)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnSessionUpdate(json.RawMessage) {}
func (NopListener) OnSpeechStarted(SpeechEvent)     {}
func (NopListener) OnSpeechStopped(SpeechEvent)     {}
func (NopListener) OnTranscript(Transcript)         {}
func (NopListener) OnAudio([]byte, string)          {}
func (NopListener) OnFunctionCall(FunctionCall)     {}
func (NopListener) OnError(error)                   {}
func (NopListener) OnClosed(error)                  {}
