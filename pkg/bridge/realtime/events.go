package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
)

// Client event types.
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioAppend       = "input_audio_buffer.append"
	EventInputAudioCommit       = "input_audio_buffer.commit"
	EventInputAudioClear        = "input_audio_buffer.clear"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
	EventResponseCancel         = "response.cancel"
)

// Server event types.
const (
	EventSessionCreated        = "session.created"
	EventSessionUpdated        = "session.updated"
	EventSpeechStarted         = "input_audio_buffer.speech_started"
	EventSpeechStopped         = "input_audio_buffer.speech_stopped"
	EventItemCreated           = "conversation.item.created"
	EventInputTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated       = "response.created"
	EventResponseDone          = "response.done"
	EventResponseCancelled     = "response.cancelled"
	EventAudioTranscriptDelta  = "response.audio_transcript.delta"
	EventAudioTranscriptDone   = "response.audio_transcript.done"
	EventAudioDelta            = "response.audio.delta"
	EventFunctionArgumentsDone = "response.function_call_arguments.done"
	EventError                 = "error"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// ServerVAD returns turn detection with automatic responses and barge-in.
func ServerVAD(threshold float64, prefixMS, silenceMS int) *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         threshold,
		PrefixPaddingMS:   prefixMS,
		SilenceDurationMS: silenceMS,
		CreateResponse:    true,
		InterruptResponse: true,
	}
}

type Transcription struct {
	Model string `json:"model"`
}

// Tool is a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// SessionConfig is the full configuration sent right after connecting.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

// SessionPatch changes only the fields that are set.
type SessionPatch struct {
	Instructions            *string        `json:"instructions,omitempty"`
	Voice                   *string        `json:"voice,omitempty"`
	Temperature             *float64       `json:"temperature,omitempty"`
	InputAudioFormat        *string        `json:"input_audio_format,omitempty"`
	OutputAudioFormat       *string        `json:"output_audio_format,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	MaxResponseOutputTokens *int           `json:"max_response_output_tokens,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Instructions == nil && p.Voice == nil && p.Temperature == nil &&
		p.InputAudioFormat == nil && p.OutputAudioFormat == nil && p.TurnDetection == nil &&
		p.Tools == nil && p.MaxResponseOutputTokens == nil
}

// Apply merges p into cfg.
func (p SessionPatch) Apply(cfg SessionConfig) SessionConfig {
	if p.Instructions != nil {
		cfg.Instructions = *p.Instructions
	}
	if p.Voice != nil {
		cfg.Voice = *p.Voice
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.InputAudioFormat != nil {
		cfg.InputAudioFormat = *p.InputAudioFormat
	}
	if p.OutputAudioFormat != nil {
		cfg.OutputAudioFormat = *p.OutputAudioFormat
	}
	if p.TurnDetection != nil {
		td := *p.TurnDetection
		cfg.TurnDetection = &td
	}
	if p.Tools != nil {
		cfg.Tools = append([]Tool(nil), p.Tools...)
	}
	if p.MaxResponseOutputTokens != nil {
		cfg.MaxResponseOutputTokens = *p.MaxResponseOutputTokens
	}
	return cfg
}

type sessionUpdateEvent struct {
	Type    string `json:"type"`
	Session any    `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnlyEvent struct {
	Type string `json:"type"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type eventItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role"`
}

type eventResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// serverEvent is the union of the inbound fields the client reads.
type serverEvent struct {
	Type         string          `json:"type"`
	EventID      string          `json:"event_id"`
	Session      json.RawMessage `json:"session"`
	ItemID       string          `json:"item_id"`
	Delta        string          `json:"delta"`
	Transcript   string          `json:"transcript"`
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	Arguments    string          `json:"arguments"`
	AudioStartMS int             `json:"audio_start_ms"`
	AudioEndMS   int             `json:"audio_end_ms"`
	Item         *eventItem      `json:"item"`
	Response     *eventResponse  `json:"response"`
	Error        *UpstreamError  `json:"error"`
}

// UpstreamError is an error event reported by the upstream service. The
// connection stays open after one.
type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("realtime %s: %s", e.Code, msg)
	}
	return "realtime: " + msg
}

func (e *UpstreamError) APIError() *apierror.Error {
	code := e.Code
	if code == "" {
		code = "upstream_error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "voice service error"
	}
	return &apierror.Error{Kind: apierror.KindUpstream, Code: code, Message: msg, Err: e}
}

// normalizeArguments returns args if it is a JSON object and "{}" otherwise.
func normalizeArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(args), &obj); err != nil || obj == nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}
