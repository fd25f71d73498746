package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrSessionNotFound indicates an unknown or already-expired session id.
	// The only remediation is to start a brand-new session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned from Emit once a session's state has been
	// torn down; the producer should stop driving the stream.
	ErrSessionExpired = errors.New("session expired")
)

// SessionState describes where a session is in its lifecycle.
type SessionState string

const (
	// SessionStateActive means a transport sink is attached and receiving.
	SessionStateActive SessionState = "active"
	// SessionStateDisconnected means no sink is attached; the event log is
	// retained and production continues.
	SessionStateDisconnected SessionState = "disconnected"
	// SessionStateExpired is terminal: the session's state has been removed.
	SessionStateExpired SessionState = "expired"
)

// Sink is the transport-side consumer of a session's events. A sink is
// attached to, never owned by, a session: detaching a sink never destroys
// the session or its event log.
type Sink interface {
	// WriteEvent delivers one event to the transport. An error is recovered
	// locally by detaching the sink; it is never propagated to the producer.
	WriteEvent(ev Event) error
	// Close releases the transport. Called when the sink is evicted by a
	// newer attachment or when the stream ends.
	Close() error
}

// Session is a durable resumption context for one streaming tool invocation.
// It exclusively owns its EventLog and tracks at most one attached sink.
type Session struct {
	id        string
	createdAt time.Time
	log       *EventLog
	clock     clockwork.Clock

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	sink         Sink
	cancel       context.CancelFunc
	done         chan struct{}
}

// ID returns the session's opaque, globally unique identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Log returns the session's event log.
func (s *Session) Log() *EventLog { return s.log }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session's state is torn down, either by TTL expiry
// or explicit termination.
func (s *Session) Done() <-chan struct{} { return s.done }

// Touch records activity, deferring TTL expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// Emit appends an event to the session's log and, if a sink is currently
// attached, delivers it. A failed delivery detaches and closes the sink;
// production is unaffected. Emit fails only once the session has expired.
func (s *Session) Emit(kind EventKind, payload []byte) (Event, error) {
	s.mu.Lock()
	if s.state == SessionStateExpired {
		s.mu.Unlock()
		return Event{}, ErrSessionExpired
	}
	ev := s.log.Append(kind, payload)
	s.lastActivity = s.clock.Now()
	snk := s.sink
	s.mu.Unlock()

	if snk != nil {
		if err := snk.WriteEvent(ev); err != nil {
			s.DetachSink(snk)
			_ = snk.Close()
		}
	}
	return ev, nil
}

// AttachSink makes snk the session's live sink. Attachment is exclusive and
// last-writer-wins: a previously attached sink is closed first. No event is
// skipped or duplicated by an attachment change; continuity is the caller's
// responsibility via Resume.
func (s *Session) AttachSink(snk Sink) {
	s.mu.Lock()
	old := s.sink
	s.sink = snk
	s.state = SessionStateActive
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	if old != nil && old != snk {
		_ = old.Close()
	}
}

// DetachSink removes snk if it is still the session's current sink. Detaching
// a stale sink is a no-op.
func (s *Session) DetachSink(snk Sink) {
	s.mu.Lock()
	if s.sink == snk {
		s.sink = nil
		if s.state == SessionStateActive {
			s.state = SessionStateDisconnected
		}
	}
	s.mu.Unlock()
}

// CloseSink detaches and closes the current sink, if any. Used when the
// stream ends: the session and its log remain intact.
func (s *Session) CloseSink() {
	s.mu.Lock()
	snk := s.sink
	s.sink = nil
	if s.state == SessionStateActive {
		s.state = SessionStateDisconnected
	}
	s.mu.Unlock()

	if snk != nil {
		_ = snk.Close()
	}
}

// Resume replays every retained event with sequence number greater than
// fromSeq to snk, in order, then attaches snk as the live sink. Events
// appended while the replay was running are included before attachment, so
// the hand-off is lossless and duplicate-free. Pass fromSeq = -1 on a fresh
// connection to deliver the stream from its session_init event.
//
// Returns ErrGap if fromSeq predates the retention window and
// ErrSessionNotFound if the session expired mid-resume.
func (s *Session) Resume(fromSeq int64, snk Sink) error {
	from := fromSeq
	for {
		evs, err := s.log.Replay(from)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := snk.WriteEvent(ev); err != nil {
				return fmt.Errorf("replay write: %w", err)
			}
			from = ev.Seq
		}

		// Attach only if no new events arrived during the replay pass.
		// Appends hold the session lock, so the check below is exact.
		s.mu.Lock()
		if s.state == SessionStateExpired {
			s.mu.Unlock()
			return ErrSessionNotFound
		}
		if s.log.NextSeq() <= from+1 {
			old := s.sink
			s.sink = snk
			s.state = SessionStateActive
			s.lastActivity = s.clock.Now()
			s.mu.Unlock()
			if old != nil && old != snk {
				_ = old.Close()
			}
			return nil
		}
		s.mu.Unlock()
	}
}

// BindCancel associates the producer's cancel function so that explicit
// termination can stop the underlying invocation. TTL expiry does not call
// it; expiry tears down session state only.
func (s *Session) BindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// expireIfIdle transitions the session to Expired when it has no attached
// sink and has seen no activity for at least ttl. Reports whether the
// transition happened.
func (s *Session) expireIfIdle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStateExpired || s.sink != nil {
		return false
	}
	if now.Sub(s.lastActivity) < ttl {
		return false
	}
	s.state = SessionStateExpired
	close(s.done)
	return true
}

// terminate tears the session down immediately, canceling the producer.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.state == SessionStateExpired {
		s.mu.Unlock()
		return
	}
	s.state = SessionStateExpired
	snk := s.sink
	s.sink = nil
	cancel := s.cancel
	close(s.done)
	s.mu.Unlock()

	if snk != nil {
		_ = snk.Close()
	}
	if cancel != nil {
		cancel()
	}
}
