package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-resume-go/sessions"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// eventSink adapts a response writer into a sessions.Sink, framing each
// event as SSE. Close is idempotent and releases the handler blocked on
// Done; it is invoked when the stream ends or the sink is evicted by a
// newer connection.
type eventSink struct {
	wf        *lockedWriteFlusher
	closeOnce sync.Once
	done      chan struct{}
}

func newEventSink(wf *lockedWriteFlusher) *eventSink {
	return &eventSink{wf: wf, done: make(chan struct{})}
}

func (s *eventSink) WriteEvent(ev sessions.Event) error {
	select {
	case <-s.done:
		return fmt.Errorf("sink closed")
	default:
	}
	return writeSSEEvent(s.wf, string(ev.Kind), fmt.Sprintf("%d", ev.Seq), ev.Payload)
}

func (s *eventSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the sink has been released.
func (s *eventSink) Done() <-chan struct{} { return s.done }

var _ sessions.Sink = (*eventSink)(nil)

// writeSSEEvent writes one Server-Sent Event frame: optional event and id
// lines, a data line, and a blank-line terminator, then flushes.
func writeSSEEvent(wf *lockedWriteFlusher, event, id string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEErrorFrame emits an unsequenced error frame on a stream that has
// already committed to SSE, for failures that occur after headers are sent.
func writeSSEErrorFrame(wf *lockedWriteFlusher, typ, msg string) {
	payload, _ := json.Marshal(map[string]map[string]string{
		"error": {"type": typ, "message": msg},
	})
	_ = writeSSEEvent(wf, string(sessions.EventKindError), "", payload)
}
