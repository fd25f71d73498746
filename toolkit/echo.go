package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoArgs are the arguments accepted by the echo tool.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"title=Text,description=Text to echo back"`
}

// RegisterEcho adds the echo tool: it returns its text argument unchanged.
func RegisterEcho(r *Registry) error {
	return r.Register(Descriptor{
		Name:            "echo",
		Description:     "Echoes the provided text back to the caller.",
		ParameterSchema: schemaFor(&EchoArgs{}),
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var a EchoArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("invalid echo arguments: %w", err)
			}
		}
		return textContent(a.Text), nil
	})
}
