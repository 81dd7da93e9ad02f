package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/pulsectl/internal/executor"
)

// Client frame envelope; id distinguishes absent from empty.
type clientEnvelope struct {
	Type    string          `json:"type"`
	ID      *string         `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type startPayload struct {
	Query     *string        `json:"query"`
	Variables map[string]any `json:"variables"`
}

// DecodeClient maps one wire frame to a typed client message. Failures of
// any kind decode to ParseError; the caller answers those on the wire and
// keeps the loop running. Start frames compile their query through the
// planner and bind the provided variables against the plan.
func DecodeClient(ctx context.Context, data []byte, planner executor.Planner) ClientMessage {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ParseError{Message: fmt.Sprintf("malformed frame: %v", err)}
	}

	switch env.Type {
	case TypeConnectionInit:
		var payload map[string]any
		if len(env.Payload) > 0 {
			// Init payload is optional; a non-object payload is ignored.
			_ = json.Unmarshal(env.Payload, &payload)
		}
		return ConnectionInit{Payload: payload}
	case TypeConnectionTerminate:
		return ConnectionTerminate{}
	case TypeStart:
		return decodeStart(ctx, env, planner)
	case TypeStop:
		if env.ID == nil {
			return ParseError{Message: "stop frame missing id"}
		}
		return Stop{ID: *env.ID}
	case "":
		return ParseError{Message: "frame missing type"}
	default:
		return ParseError{Message: fmt.Sprintf("unsupported message type %q", env.Type)}
	}
}

func decodeStart(ctx context.Context, env clientEnvelope, planner executor.Planner) ClientMessage {
	if env.ID == nil {
		return ParseError{Message: "start frame missing id"}
	}
	id := *env.ID
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return ParseError{Message: "start frame missing payload"}
	}

	var payload startPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return ParseError{ID: id, Message: fmt.Sprintf("malformed start payload: %v", err)}
	}
	if payload.Query == nil || strings.TrimSpace(*payload.Query) == "" {
		return ParseError{ID: id, Message: "start payload missing query"}
	}

	plan, err := planner.Compile(ctx, *payload.Query)
	if err != nil {
		return ParseError{ID: id, Message: fmt.Sprintf("compile query: %v", err)}
	}
	variables, err := BindVariables(plan, payload.Variables)
	if err != nil {
		return ParseError{ID: id, Message: err.Error()}
	}

	return Start{ID: id, Request: Request{
		Query:     *payload.Query,
		Plan:      plan,
		Variables: variables,
	}}
}

// BindVariables resolves provided values against the plan's declared
// variables: strings and nulls pass through, other values convert through
// the declared type, absent values take the declared default or stay
// absent when the declaration is nullable.
func BindVariables(plan *executor.Plan, provided map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(plan.Variables))
	for _, def := range plan.Variables {
		raw, ok := provided[def.Name]
		if !ok {
			if def.HasDefault {
				bound[def.Name] = def.Default
				continue
			}
			if def.Nullable {
				continue
			}
			return nil, MissingVariableError{Name: def.Name}
		}
		switch v := raw.(type) {
		case string:
			bound[def.Name] = v
		case nil:
			bound[def.Name] = nil
		default:
			converted, err := def.Type.Convert(v)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", def.Name, err)
			}
			bound[def.Name] = converted
		}
	}
	return bound, nil
}
