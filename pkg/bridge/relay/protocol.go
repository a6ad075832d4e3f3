package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
)

// Client events.
const (
	EventStartSession = "start_session"
	EventAudioData    = "audio_data"
	EventCommitAudio  = "commit_audio"
	EventInterrupt    = "interrupt"
	EventMapReady     = "map_ready"
	EventGetStats     = "get_stats"
	EventPing         = "ping"
	EventSendText     = "send_text"
	EventClearAudio   = "clear_audio"
)

// Server events.
const (
	EventConnected       = "connected"
	EventSessionStarted  = "session_started"
	EventAudioChunk      = "audio_chunk"
	EventTranscript      = "transcript"
	EventRenderItinerary = "render_itinerary"
	EventSpeechStarted   = "speech_started"
	EventSpeechStopped   = "speech_stopped"
	EventError           = "error"
	EventStats           = "stats"
	EventPong            = "pong"
	EventInterrupted     = "interrupted"
	EventSessionUpdate   = "session_update"
	EventGreeting        = "greeting"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type StartSession struct{}

type AudioData struct {
	Audio string `json:"audio"`
}

type CommitAudio struct{}

type Interrupt struct{}

type MapReady struct{}

type GetStats struct{}

type Ping struct{}

type SendText struct {
	Text string `json:"text"`
}

type ClearAudio struct{}

type Connected struct {
	SessionID      string `json:"session_id"`
	ConnectionID   string `json:"connection_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

type SessionStarted struct {
	SessionID           string  `json:"session_id"`
	Status              string  `json:"status"`
	FunctionsRegistered int     `json:"functions_registered"`
	Timestamp           float64 `json:"timestamp"`
}

type AudioChunk struct {
	Audio  string `json:"audio"`
	ItemID string `json:"item_id"`
}

type Transcript struct {
	Text    string `json:"text"`
	ItemID  string `json:"item_id"`
	IsFinal bool   `json:"is_final"`
	Role    string `json:"role"`
}

type RenderItinerary struct {
	Itinerary *itinerary.Itinerary `json:"itinerary"`
	City      string               `json:"city"`
	Days      int                  `json:"days"`
	Source    string               `json:"source"`
	Timestamp float64              `json:"timestamp"`
}

type ErrorEvent struct {
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	VoiceResponse string `json:"voice_response,omitempty"`
}

type Pong struct {
	Timestamp float64 `json:"timestamp"`
}

type Interrupted struct {
	Status string `json:"status"`
}

type Greeting struct {
	Text string `json:"text"`
}

// DecodeError is a client frame that could not be understood.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param != "" {
		return e.Message + " (" + e.Param + ")"
	}
	return e.Message
}

func (e *DecodeError) APIError() *apierror.Error {
	kind := apierror.KindInvalidRequest
	if e.Code == "invalid_audio" {
		kind = apierror.KindInvalidAudio
	}
	return &apierror.Error{Kind: kind, Code: e.Code, Message: e.Message, Err: e}
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// DecodeClientMessage parses one client frame into its typed message.
func DecodeClientMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(env.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case EventStartSession:
		return StartSession{}, nil
	case EventAudioData:
		var msg AudioData
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, &DecodeError{Code: "invalid_audio", Message: "invalid audio_data", Param: "audio"}
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, &DecodeError{Code: "invalid_audio", Message: "audio_data.audio is required", Param: "audio"}
		}
		return msg, nil
	case EventCommitAudio:
		return CommitAudio{}, nil
	case EventInterrupt:
		return Interrupt{}, nil
	case EventMapReady:
		return MapReady{}, nil
	case EventGetStats:
		return GetStats{}, nil
	case EventPing:
		return Ping{}, nil
	case EventSendText:
		var msg SendText
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, badRequest("invalid send_text", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("send_text.text is required", "text")
		}
		return msg, nil
	case EventClearAudio:
		return ClearAudio{}, nil
	default:
		return nil, &DecodeError{Code: "unsupported", Message: "unsupported event: " + event, Param: "event"}
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// EncodeServerEvent frames data under event.
func EncodeServerEvent(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
