// Package apierror is the error vocabulary shared by the bridge components
// and the browser-facing error event.
package apierror

import (
	"context"
	"errors"
)

type Kind string

const (
	KindDenied                 Kind = "denied"
	KindActivationFailed       Kind = "activation_failed"
	KindTransport              Kind = "transport_error"
	KindMalformedUpstreamEvent Kind = "malformed_upstream_event"
	KindFunctionDispatch       Kind = "function_dispatch_error"
	KindInvalidAudio           Kind = "invalid_audio_payload"
	KindUpstream               Kind = "upstream_error"
	KindInvalidRequest         Kind = "invalid_request"
	KindInternal               Kind = "internal"
)

// Speech-suitable fallbacks, so a voice UI says something instead of going silent.
const (
	VoiceNoCity         = "I didn't catch the city name. Could you please tell me which city you'd like to visit?"
	VoiceInvalidDays    = "Please tell me a number of days between 1 and 14."
	VoiceConnectionLost = "I've lost the connection. Please click the microphone button to reconnect."
	VoiceUnknown        = "I'm sorry, something went wrong. Please try again."
	VoiceBusy           = "I'm a bit busy right now. Please try again in a moment."
)

// Error is a classified failure. Close marks errors after which the
// browser connection is closed.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	VoiceResponse string
	Retryable     bool
	Close         bool
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code, so wrapped copies of a
// sentinel still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.Err = cause
	return &out
}

// Classifier is implemented by typed errors that know their own
// classification.
type Classifier interface {
	APIError() *Error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// From classifies any error. Unknown errors become internal errors with a
// generic message so details do not leak to the browser.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) && e != nil {
		out := *e
		if out.VoiceResponse == "" {
			out.VoiceResponse = defaultVoice(out.Kind)
		}
		return &out
	}
	var c Classifier
	if errors.As(err, &c) {
		if out := c.APIError(); out != nil {
			if out.VoiceResponse == "" {
				out.VoiceResponse = defaultVoice(out.Kind)
			}
			return out
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Code: "timeout", Message: "request timed out", VoiceResponse: VoiceUnknown, Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransport, Code: "cancelled", Message: "request cancelled", VoiceResponse: VoiceUnknown, Err: err}
	}
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", VoiceResponse: VoiceUnknown, Err: err}
}

func defaultVoice(k Kind) string {
	switch k {
	case KindTransport:
		return VoiceConnectionLost
	case KindDenied:
		return VoiceBusy
	default:
		return VoiceUnknown
	}
}
