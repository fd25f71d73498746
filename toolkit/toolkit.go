// Package toolkit implements the tool registry backing the streaming server:
// an explicitly constructed mapping from tool name to a descriptor (name,
// description, parameter schema, streaming flag) and an invocation handler.
// Registries are plain values wired at process startup; there is no global
// registration side channel.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	// ErrUnknownTool indicates a call against a name with no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNotStreaming indicates a streaming invocation of a unary tool.
	ErrNotStreaming = errors.New("tool does not stream")
	// ErrStreamingOnly indicates a unary invocation of a streaming tool.
	ErrStreamingOnly = errors.New("tool produces a stream")
)

// Descriptor advertises one tool to clients.
type Descriptor struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	ParameterSchema json.RawMessage `json:"parameterSchema,omitempty"`
	Streaming       bool            `json:"isStreaming"`
}

// CallFunc executes a unary tool invocation against opaque JSON arguments.
type CallFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// BatchStream is a lazy, potentially unbounded sequence of opaque JSON
// batches produced by a streaming tool. Next returns io.EOF when the stream
// completes normally; any other error aborts it.
type BatchStream interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StreamFunc starts a streaming tool invocation.
type StreamFunc func(ctx context.Context, args json.RawMessage) (BatchStream, error)

type tool struct {
	desc   Descriptor
	call   CallFunc
	stream StreamFunc
}

// Registry maps tool names to descriptors and handlers. Safe for concurrent
// use after construction.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool)}
}

// Register adds a unary tool. Registering a duplicate name is an error.
func (r *Registry) Register(desc Descriptor, fn CallFunc) error {
	if fn == nil {
		return fmt.Errorf("tool %q: nil handler", desc.Name)
	}
	desc.Streaming = false
	return r.add(tool{desc: desc, call: fn})
}

// RegisterStreaming adds a streaming tool.
func (r *Registry) RegisterStreaming(desc Descriptor, fn StreamFunc) error {
	if fn == nil {
		return fmt.Errorf("tool %q: nil handler", desc.Name)
	}
	desc.Streaming = true
	return r.add(tool{desc: desc, stream: fn})
}

func (r *Registry) add(t tool) error {
	if t.desc.Name == "" {
		return errors.New("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.desc.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.desc.Name)
	}
	r.tools[t.desc.Name] = t
	return nil
}

// List returns descriptors for every registered tool, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t.desc, ok
}

// Call executes a unary tool.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownTool
	}
	if t.desc.Streaming {
		return nil, ErrStreamingOnly
	}
	return t.call(ctx, args)
}

// Stream starts a streaming tool.
func (r *Registry) Stream(ctx context.Context, name string, args json.RawMessage) (BatchStream, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownTool
	}
	if !t.desc.Streaming {
		return nil, ErrNotStreaming
	}
	return t.stream(ctx, args)
}

// NewDefaultRegistry returns a registry populated with the built-in tools:
// echo, calc, and example_stream.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := RegisterEcho(r); err != nil {
		return nil, err
	}
	if err := RegisterCalc(r); err != nil {
		return nil, err
	}
	if err := RegisterExampleStream(r); err != nil {
		return nil, err
	}
	return r, nil
}

// schemaFor reflects a JSON schema for a tool's argument struct.
func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	s := reflector.Reflect(v)
	b, err := json.Marshal(s)
	if err != nil {
		// Reflection of our own argument structs cannot fail to marshal.
		panic(fmt.Sprintf("toolkit: marshal schema: %v", err))
	}
	return b
}

// textContent renders a tool result as a single text content block, the
// shape clients expect from tools/call results.
func textContent(text string) json.RawMessage {
	res := struct {
		Content []map[string]string `json:"content"`
	}{
		Content: []map[string]string{{"type": "text", "text": text}},
	}
	b, _ := json.Marshal(res)
	return b
}
