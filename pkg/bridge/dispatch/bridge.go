// Package dispatch executes functions requested by the upstream model and
// shapes their results for the function_call_output item.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
)

const tracerName = "github.com/vango-go/voice-bridge/pkg/bridge/dispatch"

// Call is one function invocation requested by the model. Arguments is
// always a JSON object.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is sent back upstream as the function output. Success and
// VoiceResponse are always meaningful; the remaining fields depend on the
// function.
type Result struct {
	Success       bool                 `json:"success"`
	CallID        string               `json:"call_id,omitempty"`
	Function      string               `json:"function,omitempty"`
	Error         string               `json:"error,omitempty"`
	VoiceResponse string               `json:"voice_response,omitempty"`
	Action        string               `json:"action,omitempty"`
	City          string               `json:"city,omitempty"`
	Days          int                  `json:"days,omitempty"`
	DayNumber     *int                 `json:"day_number,omitempty"`
	Itinerary     *itinerary.Itinerary `json:"itinerary,omitempty"`
}

type HandlerFunc func(ctx context.Context, call Call) (Result, error)

// Function is a registry entry.
type Function struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Handle      HandlerFunc
}

// Definition is the tool description advertised to the model.
type Definition struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// ArgumentError reports arguments that do not fit the function's parameter struct.
type ArgumentError struct {
	Function string
	Err      error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Function, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
	Anonymous:      true,
}

// Parameters reflects a JSON schema from an argument struct.
func Parameters(v any) *jsonschema.Schema {
	s := reflector.Reflect(v)
	s.Version = ""
	return s
}

// Int is an integer argument that also accepts numeric strings and
// fractional numbers, which models sometimes emit. A string that is not a
// number decodes as zero.
type Int int

func (n *Int) UnmarshalJSON(b []byte) error {
	raw := bytes.TrimSpace(b)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return nil
	case len(raw) > 0 && raw[0] == '"':
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			*n = 0
			return nil
		}
		*n = Int(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("expected a number, got %s", raw)
	}
	*n = Int(f)
	return nil
}

// Typed builds a Function whose arguments are decoded into A and whose
// parameter schema is reflected from A's struct tags.
func Typed[A any](name, description string, fn func(ctx context.Context, call Call, args A) (Result, error)) Function {
	var zero A
	return Function{
		Name:        name,
		Description: description,
		Parameters:  Parameters(&zero),
		Handle: func(ctx context.Context, call Call) (Result, error) {
			var args A
			if len(call.Arguments) > 0 {
				if err := json.Unmarshal(call.Arguments, &args); err != nil {
					return Result{}, &ArgumentError{Function: name, Err: err}
				}
			}
			return fn(ctx, call, args)
		},
	}
}

// Bridge is a session-scoped function registry.
type Bridge struct {
	byName map[string]Function
	memory *Memory
	logger *slog.Logger
	tracer trace.Tracer
}

func NewBridge(memory *Memory, logger *slog.Logger, fns ...Function) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		byName: make(map[string]Function, len(fns)),
		memory: memory,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, fn := range fns {
		if strings.TrimSpace(fn.Name) == "" || fn.Handle == nil {
			continue
		}
		b.byName[fn.Name] = fn
	}
	return b
}

func (b *Bridge) Memory() *Memory {
	if b == nil {
		return nil
	}
	return b.memory
}

// Len returns the number of registered functions.
func (b *Bridge) Len() int {
	if b == nil {
		return 0
	}
	return len(b.byName)
}

func (b *Bridge) Has(name string) bool {
	if b == nil {
		return false
	}
	_, ok := b.byName[strings.TrimSpace(name)]
	return ok
}

func (b *Bridge) Names() []string {
	if b == nil {
		return nil
	}
	names := make([]string, 0, len(b.byName))
	for name := range b.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool list sent with the session configuration,
// sorted by name.
func (b *Bridge) Definitions() []Definition {
	names := b.Names()
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		fn := b.byName[name]
		out = append(out, Definition{
			Type:        "function",
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}
	return out
}

// Dispatch runs a function. It never panics and never returns an error:
// unknown names, handler errors and handler panics all come back as a
// failed Result tagged with the call id and function name.
func (b *Bridge) Dispatch(ctx context.Context, callID, name string, args json.RawMessage) (res Result) {
	name = strings.TrimSpace(name)
	start := time.Now()

	tracer := otel.Tracer(tracerName)
	if b != nil && b.tracer != nil {
		tracer = b.tracer
	}
	ctx, span := tracer.Start(ctx, "dispatch.function", trace.WithAttributes(
		attribute.String("function.name", name),
		attribute.String("function.call_id", callID),
	))
	defer span.End()

	logger := slog.Default()
	if b != nil {
		logger = b.logger
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("function %s panicked: %v", name, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			logger.Error("function handler panicked", "function", name, "call_id", callID, "panic", r)
			res = failure(callID, name, err)
		}
		logger.Info("function call handled",
			"function", name,
			"call_id", callID,
			"success", res.Success,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	if b == nil {
		return failure(callID, name, errors.New("function registry is not configured"))
	}
	fn, ok := b.byName[name]
	if !ok {
		span.SetStatus(codes.Error, "unknown function")
		return failure(callID, name, fmt.Errorf("unknown function: %s", name))
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := fn.Handle(ctx, Call{ID: callID, Name: name, Arguments: args})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("function call failed", "function", name, "call_id", callID, "error", err)
		return failure(callID, name, err)
	}
	out.CallID = callID
	out.Function = name
	if !out.Success {
		span.SetStatus(codes.Error, out.Error)
	}
	return out
}

func failure(callID, name string, err error) Result {
	voice := apierror.VoiceUnknown
	var ae *apierror.Error
	if errors.As(err, &ae) && ae.VoiceResponse != "" {
		voice = ae.VoiceResponse
	}
	return Result{
		Success:       false,
		CallID:        callID,
		Function:      name,
		Error:         err.Error(),
		VoiceResponse: voice,
	}
}

// Output renders a result as the string carried by function_call_output.
func (r Result) Output() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result encoding failed"}`
	}
	return string(raw)
}
