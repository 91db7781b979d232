// Package tools registers named side-effect functions the model can invoke
// mid-conversation and dispatches its calls to them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// Handler runs a tool with its validated JSON arguments. The returned value is
// serialized into the result sent back to the model.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a function the model can invoke.
type Tool struct {
	// Name is the unique identifier the model uses (e.g., "knowledge_base").
	Name string

	// Description explains what the tool does, helping the model decide when to use it.
	Description string

	// Parameters is the JSON schema for the tool's arguments. Nil accepts any object.
	Parameters *jsonschema.Schema

	// Handler is called when the model invokes this tool.
	Handler Handler

	resolved *jsonschema.Resolved
}

var toolName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// validate checks the tool and resolves its schema once.
func (t *Tool) validate() error {
	if !toolName.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q must be 1-64 letters, digits, '_' or '-'", ErrInvalidTool, t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := t.Parameters.Resolve(nil)
	if err != nil {
		return fmt.Errorf("%w: %s schema: %v", ErrInvalidTool, t.Name, err)
	}
	t.resolved = resolved
	return nil
}

// New builds a tool whose parameter schema is inferred from T. Struct fields
// without omitempty are required; the `jsonschema` tag sets descriptions.
func New[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) (Tool, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return Tool{}, fmt.Errorf("%w: %s schema: %v", ErrInvalidTool, name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args T
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			return fn(ctx, args)
		},
	}, nil
}

// MustNew is New that panics on error. For package-level tool definitions.
func MustNew[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) Tool {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// parseArguments decodes the model's argument string, repairing malformed
// JSON when a plain decode fails with a syntax error, and validates it
// against the tool schema. It returns the canonical JSON passed to the handler.
func (t *Tool) parseArguments(arguments string) (json.RawMessage, error) {
	if arguments == "" {
		arguments = "{}"
	}

	var instance any
	err := json.Unmarshal([]byte(arguments), &instance)
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		fixed, rerr := jsonrepair.JSONRepair(arguments)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		err = json.Unmarshal([]byte(fixed), &instance)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	if t.resolved != nil {
		if err := t.resolved.Validate(instance); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	raw, err := json.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return raw, nil
}
