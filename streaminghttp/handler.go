package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-resume-go/internal/engine"
	"github.com/ggoodman/mcp-resume-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-resume-go/internal/logctx"
	"github.com/ggoodman/mcp-resume-go/sessions"
	"github.com/ggoodman/mcp-resume-go/toolkit"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var _ http.Handler = (*StreamingHTTPHandler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader  = "Last-Event-ID"
	mcpSessionIDHeader = "Mcp-Session-Id"
)

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	rateLimit rate.Limit
	rateBurst int
}

// WithLogger sets the slog handler used by the server. If not provided,
// logs go to slog.Default().
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithRateLimit enables token-bucket admission of inbound requests.
// Over-limit requests are rejected with HTTP 429. Disabled by default.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *newConfig) {
		c.rateLimit = rate.Limit(perSecond)
		c.rateBurst = burst
	}
}

// StreamingHTTPHandler serves resumable streaming tool calls: POST for
// JSON-RPC requests (streaming and unary), DELETE for explicit session
// termination.
type StreamingHTTPHandler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	eng       *engine.Engine
	serverURL *url.URL
	limiter   *rate.Limiter
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible URL of the endpoint (scheme, host, path)
//   - registry: the session registry holding per-session event logs
//   - tools: the tool registry the engine invokes
//
// The session expiry sweep and every stream producer are bound to ctx;
// cancel it to shut the subsystem down.
func New(ctx context.Context, publicEndpoint string, registry *sessions.Registry, tools *toolkit.Registry, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	endpointURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if endpointURL.Scheme != "https" && endpointURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", endpointURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		serverURL: endpointURL,
	}
	if cfg.rateLimit > 0 {
		h.limiter = rate.NewLimiter(cfg.rateLimit, cfg.rateBurst)
	}

	h.eng = engine.NewEngine(registry, tools, engine.WithLogger(h.log))
	go func() {
		if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	mux := http.NewServeMux()
	// Method-based ServeMux patterns ("POST /path") require Go 1.22; dispatch
	// on the method here to stay compatible with Go 1.21.
	mux.HandleFunc(pathOnly(endpointURL), func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.handlePostMCP(w, r)
		case http.MethodDelete:
			h.handleDeleteMCP(w, r)
		default:
			w.Header().Set("Allow", "DELETE, POST")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// a JSON-RPC exchange is possible (unsupported media type, malformed
// resumption headers, rate limiting). Protocol-level failures never use
// this; they ride inside a 200 as JSON-RPC error objects.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError reports a protocol-level failure in-band: HTTP 200 with a
// JSON-RPC error object.
func (h *StreamingHTTPHandler) writeRPCError(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, data any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, data)); err != nil {
		h.log.ErrorContext(ctx, "rpc.error.write.fail", slog.String("err", err.Error()))
	}
}

func (h *StreamingHTTPHandler) writeRPCResult(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		h.writeRPCError(ctx, w, id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.result.write.fail", slog.String("err", err.Error()))
	}
}

func (h *StreamingHTTPHandler) admit(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter != nil && !h.limiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "request rate limit exceeded")
		h.log.WarnContext(r.Context(), "http.rate_limited")
		return false
	}
	return true
}

// handlePostMCP handles the POST endpoint: JSON-RPC requests, streaming tool
// calls (fresh or resumed), and notifications.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !h.admit(w, r) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.writeRPCError(ctx, w, nil, jsonrpc.ErrorCodeParseError, "invalid JSON body", nil)
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		h.writeRPCError(ctx, w, nil, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported", nil)
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeRPCError(ctx, w, nil, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC request: "+err.Error(), nil)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok",
			slog.String("rpc_method", req.Method),
			slog.Duration("dur", time.Since(start)))
		return
	}

	switch req.Method {
	case "tools/list":
		h.writeRPCResult(ctx, w, req.ID, map[string]any{"tools": h.eng.ListTools()})
		h.log.InfoContext(ctx, "tools.list.ok", slog.Duration("dur", time.Since(start)))
	case "tools/call":
		h.handleToolsCall(ctx, w, r, wf, &req, start)
	default:
		h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
		h.log.InfoContext(ctx, "rpc.method.unknown", slog.String("rpc_method", req.Method))
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *StreamingHTTPHandler) handleToolsCall(ctx context.Context, w http.ResponseWriter, r *http.Request, wf *lockedWriteFlusher, req *jsonrpc.Request, start time.Time) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeInvalidParams, "tools/call requires a tool name", nil)
		h.log.WarnContext(ctx, "tools.call.params.invalid")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	lastEventID := r.Header.Get(lastEventIDHeader)
	if sessID != "" && lastEventID != "" {
		h.handleResume(ctx, w, r, wf, req, sessID, lastEventID, start)
		return
	}

	desc, ok := h.eng.LookupTool(params.Name)
	if !ok {
		h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeMethodNotFound, "tool not found: "+params.Name, map[string]string{"type": "unknown_tool"})
		h.log.InfoContext(ctx, "tools.call.unknown", slog.String("tool", params.Name))
		return
	}

	if desc.Streaming {
		h.handleStreamStart(ctx, w, r, wf, req, params, start)
		return
	}

	res, err := h.eng.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, toolkit.ErrUnknownTool) {
			h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeMethodNotFound, "tool not found: "+params.Name, map[string]string{"type": "unknown_tool"})
			return
		}
		h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), map[string]string{"type": "execution_error"})
		h.log.WarnContext(ctx, "tools.call.fail", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return
	}
	h.writeRPCResult(ctx, w, req.ID, json.RawMessage(res))
	h.log.InfoContext(ctx, "tools.call.ok", slog.String("tool", params.Name), slog.Duration("dur", time.Since(start)))
}

// acceptsEventStream reports whether the client can consume SSE. An absent
// Accept header is treated as acceptance.
func acceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return true
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

func (h *StreamingHTTPHandler) writeStreamHeaders(w http.ResponseWriter, sessionID string) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)
}

// handleStreamStart serves a fresh streaming tool call: create the session,
// commit to SSE, then deliver the stream from its session_init event by
// resuming from sequence -1.
func (h *StreamingHTTPHandler) handleStreamStart(ctx context.Context, w http.ResponseWriter, r *http.Request, wf *lockedWriteFlusher, req *jsonrpc.Request, params toolCallParams, start time.Time) {
	if !acceptsEventStream(r) {
		h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeInvalidRequest, "streaming tool requires Accept: text/event-stream", nil)
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	sess, err := h.eng.StartStream(params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, toolkit.ErrUnknownTool) {
			h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeMethodNotFound, "tool not found: "+params.Name, map[string]string{"type": "unknown_tool"})
			return
		}
		h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), map[string]string{"type": "execution_error"})
		h.log.WarnContext(ctx, "stream.start.fail", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})
	h.writeStreamHeaders(w, sess.ID())
	wf.Flush()

	sink := newEventSink(wf)
	if _, err := h.eng.Resume(ctx, sess.ID(), -1, sink); err != nil {
		h.log.ErrorContext(ctx, "stream.deliver.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("tool", params.Name))
	h.waitStream(ctx, sess, sink)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleResume serves a reconnection: validate the resumption token before
// committing to SSE, replay everything past the client's last frame id, then
// attach as the live sink.
func (h *StreamingHTTPHandler) handleResume(ctx context.Context, w http.ResponseWriter, r *http.Request, wf *lockedWriteFlusher, req *jsonrpc.Request, sessID, lastEventID string, start time.Time) {
	lastSeq, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil || lastSeq < 0 {
		writeJSONError(w, http.StatusBadRequest, "malformed Last-Event-ID header")
		h.log.WarnContext(ctx, "resume.last_event_id.invalid", slog.String("value", lastEventID))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.eng.CheckResumable(sessID, lastSeq); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found; restart without resumption", map[string]string{"type": "session_not_found"})
			h.log.InfoContext(ctx, "resume.session.miss")
		case errors.Is(err, sessions.ErrGap):
			h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeGap, "resumption point is outside the retained window; restart without resumption", map[string]string{"type": "gap"})
			h.log.InfoContext(ctx, "resume.gap", slog.Int64("last_seq", lastSeq))
		default:
			h.writeRPCError(ctx, w, req.ID, jsonrpc.ErrorCodeInternalError, "failed to resume session", nil)
			h.log.ErrorContext(ctx, "resume.check.fail", slog.String("err", err.Error()))
		}
		return
	}

	if !acceptsEventStream(r) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "resumption requires Accept: text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	h.writeStreamHeaders(w, sessID)
	wf.Flush()

	sink := newEventSink(wf)
	sess, err := h.eng.Resume(ctx, sessID, lastSeq, sink)
	if err != nil {
		// Headers are committed; report in-stream. A gap here means the
		// retention bound was crossed between the check and the replay.
		switch {
		case errors.Is(err, sessions.ErrGap):
			writeSSEErrorFrame(wf, "gap", "resumption point is outside the retained window")
		case errors.Is(err, sessions.ErrSessionNotFound):
			writeSSEErrorFrame(wf, "session_not_found", "session expired during resume")
		default:
			h.log.ErrorContext(ctx, "resume.replay.fail", slog.String("err", err.Error()))
		}
		return
	}

	h.log.InfoContext(ctx, "sse.stream.resume", slog.Int64("last_seq", lastSeq))
	h.waitStream(ctx, sess, sink)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// waitStream blocks until the stream releases the sink (end, error, or
// eviction by a newer connection) or the client goes away. Disconnection
// detaches the sink but never cancels the underlying invocation.
func (h *StreamingHTTPHandler) waitStream(ctx context.Context, sess *sessions.Session, sink *eventSink) {
	select {
	case <-ctx.Done():
		sess.DetachSink(sink)
		h.log.InfoContext(ctx, "sse.client.gone")
	case <-sink.Done():
	}
}

// handleDeleteMCP terminates a session explicitly: the producer is canceled
// and the session's state removed. Reconnection attempts after a DELETE get
// a session-not-found error.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.admit(w, r) {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	if err := h.eng.Terminate(sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}
