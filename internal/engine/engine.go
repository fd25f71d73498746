// Package engine wires the tool registry to the session layer: it starts
// stream producers, frames their batches into sequenced events, and handles
// reconnection replay.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-resume-go/sessions"
	"github.com/ggoodman/mcp-resume-go/toolkit"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the slog logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine drives one ToolInvoker per streaming session, decoupled from any
// transport connection: client disconnects never block or cancel a stream.
type Engine struct {
	log      *slog.Logger
	registry *sessions.Registry
	tools    *toolkit.Registry

	mu      sync.RWMutex
	baseCtx context.Context
}

// NewEngine constructs an engine over the given registries.
func NewEngine(registry *sessions.Registry, tools *toolkit.Registry, opts ...Option) *Engine {
	e := &Engine{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry: registry,
		tools:    tools,
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run anchors stream producers to ctx and drives the session expiry sweep
// until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	return e.registry.Run(ctx)
}

func (e *Engine) producerContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.baseCtx
}

// ListTools returns the descriptors of every registered tool.
func (e *Engine) ListTools() []toolkit.Descriptor {
	return e.tools.List()
}

// LookupTool returns the descriptor for a tool name.
func (e *Engine) LookupTool(name string) (toolkit.Descriptor, bool) {
	return e.tools.Lookup(name)
}

// CallTool executes a unary tool invocation.
func (e *Engine) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return e.tools.Call(ctx, name, args)
}

// StartStream creates a fresh session for a streaming tool call, appends its
// session_init event (sequence 0, the resumption anchor), and spawns the
// dispatcher driving the invoker. The producer is bound to the engine's run
// context, never to a request context. The caller delivers the stream to a
// transport by resuming from sequence -1.
func (e *Engine) StartStream(name string, args json.RawMessage) (*sessions.Session, error) {
	d, ok := e.tools.Lookup(name)
	if !ok {
		return nil, toolkit.ErrUnknownTool
	}
	if !d.Streaming {
		return nil, toolkit.ErrNotStreaming
	}

	ctx, cancel := context.WithCancel(e.producerContext())
	stream, err := e.tools.Stream(ctx, name, args)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	sess := e.registry.Create()
	sess.BindCancel(cancel)

	initPayload, err := json.Marshal(map[string]string{"session_id": sess.ID()})
	if err != nil {
		cancel()
		_ = stream.Close()
		return nil, fmt.Errorf("encode session_init: %w", err)
	}
	if _, err := sess.Emit(sessions.EventKindSessionInit, initPayload); err != nil {
		cancel()
		_ = stream.Close()
		return nil, fmt.Errorf("emit session_init: %w", err)
	}

	go e.drive(ctx, sess, name, stream)

	e.log.Info("stream.start",
		slog.String("session_id", sess.ID()),
		slog.String("tool", name))
	return sess, nil
}

// CheckResumable validates a resumption token before the transport commits
// to a streaming response: the session must exist and lastSeq must still be
// within the retained event window.
func (e *Engine) CheckResumable(sessionID string, lastSeq int64) error {
	sess, err := e.registry.Lookup(sessionID)
	if err != nil {
		return err
	}
	sess.Touch()
	return sess.Log().CheckReplayable(lastSeq)
}

// Resume replays every buffered event after lastSeq to snk, in order, then
// attaches snk as the session's live sink, evicting any previous one.
func (e *Engine) Resume(ctx context.Context, sessionID string, lastSeq int64, snk sessions.Sink) (*sessions.Session, error) {
	sess, err := e.registry.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	if err := sess.Resume(lastSeq, snk); err != nil {
		return nil, err
	}
	e.log.Info("stream.resume",
		slog.String("session_id", sessionID),
		slog.Int64("last_seq", lastSeq))
	return sess, nil
}

// Terminate cancels the session's producer and removes the session. This is
// the explicit stop operation; TTL expiry never cancels an invocation.
func (e *Engine) Terminate(sessionID string) error {
	return e.registry.Remove(sessionID)
}
