package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-resume-go/internal/logctx"
	"github.com/ggoodman/mcp-resume-go/sessions"
	"github.com/ggoodman/mcp-resume-go/toolkit"
)

// messagePayload is the wire shape of a message event. SeqNum mirrors the
// SSE frame id; the frame id is the authoritative resumption point.
type messagePayload struct {
	Result struct {
		Batch  json.RawMessage `json:"batch"`
		SeqNum int64           `json:"seq_num"`
	} `json:"result"`
}

type errorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// drive consumes the invoker's batches to completion, framing each one as a
// message event: append to the session's log first, then deliver to whatever
// sink is currently attached. Production is independent of transport
// attachment; with no sink the log alone absorbs the stream, bounded by its
// retention policy. Terminates with an end or error event, detaching the
// sink but never destroying the session.
func (e *Engine) drive(ctx context.Context, sess *sessions.Session, name string, stream toolkit.BatchStream) {
	defer func() { _ = stream.Close() }()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{ToolName: name})

	for {
		select {
		case <-ctx.Done():
			e.log.InfoContext(ctx, "stream.drive.cancel")
			return
		case <-sess.Done():
			e.log.InfoContext(ctx, "stream.drive.session_gone")
			return
		default:
		}

		batch, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.finish(ctx, sess, sessions.EventKindEnd, endPayload())
				e.log.InfoContext(ctx, "stream.drive.end")
				return
			}
			if ctx.Err() != nil {
				// Producer context canceled: engine shutdown or explicit
				// termination, not a tool failure.
				e.log.InfoContext(ctx, "stream.drive.cancel")
				return
			}
			e.finish(ctx, sess, sessions.EventKindError, execErrorPayload(err))
			e.log.WarnContext(ctx, "stream.drive.fail", slog.String("err", err.Error()))
			return
		}

		// Single writer: no other appender can advance the sequence between
		// reading it here and the Emit below.
		var p messagePayload
		p.Result.Batch = batch
		p.Result.SeqNum = sess.Log().NextSeq()
		payload, err := json.Marshal(p)
		if err != nil {
			e.finish(ctx, sess, sessions.EventKindError, execErrorPayload(err))
			e.log.ErrorContext(ctx, "stream.encode.fail", slog.String("err", err.Error()))
			return
		}

		if _, err := sess.Emit(sessions.EventKindMessage, payload); err != nil {
			// Session state torn down by the expiry sweep; stop driving.
			e.log.InfoContext(ctx, "stream.drive.expired")
			return
		}
	}
}

// finish appends the terminal event and releases the transport.
func (e *Engine) finish(ctx context.Context, sess *sessions.Session, kind sessions.EventKind, payload []byte) {
	if _, err := sess.Emit(kind, payload); err != nil {
		e.log.InfoContext(ctx, "stream.finish.expired")
		return
	}
	sess.CloseSink()
}

func endPayload() []byte {
	b, _ := json.Marshal(map[string]string{"message": "stream complete"})
	return b
}

func execErrorPayload(err error) []byte {
	var p errorPayload
	p.Error.Type = "execution_error"
	p.Error.Message = err.Error()
	b, _ := json.Marshal(p)
	return b
}
