package sessions

import (
	"errors"
	"sync"
	"time"
)

// ErrGap indicates that a replay starting point is older than the oldest
// retained event: the events between the two are irrecoverably lost and the
// client must restart with a fresh session.
var ErrGap = errors.New("resumption point is outside the retained event window")

// EventKind classifies an event within a session's stream.
type EventKind string

const (
	EventKindSessionInit EventKind = "session_init"
	EventKindMessage     EventKind = "message"
	EventKindError       EventKind = "error"
	EventKindEnd         EventKind = "end"
)

// Event is one framed, sequenced unit of a session's stream. Sequence numbers
// are assigned by the owning EventLog: 0 is reserved for the session_init
// event, messages count up from 1. Events are immutable once appended.
type Event struct {
	Seq       int64
	Kind      EventKind
	Payload   []byte
	Timestamp time.Time
}

// EventLog is a capacity-bounded, ordered buffer of the events emitted for a
// single session. When the capacity is exceeded the oldest event is evicted;
// replay requests that reach behind the eviction horizon fail with ErrGap.
//
// Appends are expected from a single writer (the stream dispatcher driving
// the session). Replays may run concurrently with appends and always observe
// a consistent snapshot.
type EventLog struct {
	mu    sync.RWMutex
	buf   []Event
	head  int
	count int
	next  int64
}

// NewEventLog returns a log retaining at most capacity events. A capacity
// below 1 is treated as 1.
func NewEventLog(capacity int) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Append stores a new event with the next sequence number, evicting the
// oldest retained event if the log is full, and returns the stored event.
func (l *EventLog) Append(kind EventKind, payload []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Seq:       l.next,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}
	l.next++

	if l.count == len(l.buf) {
		// full: overwrite the oldest slot
		l.buf[l.head] = ev
		l.head = (l.head + 1) % len(l.buf)
		return ev
	}
	l.buf[(l.head+l.count)%len(l.buf)] = ev
	l.count++
	return ev
}

// Replay returns all retained events with a sequence number strictly greater
// than fromSeq, in ascending order. Pass -1 to replay from the beginning.
// If fromSeq predates the retention window, Replay returns ErrGap and no
// events. A fresh call always starts over from fromSeq.
func (l *EventLog) Replay(fromSeq int64) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkReplayableLocked(fromSeq); err != nil {
		return nil, err
	}

	var out []Event
	for i := 0; i < l.count; i++ {
		ev := l.buf[(l.head+i)%len(l.buf)]
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CheckReplayable reports whether a replay from fromSeq could be satisfied
// right now, returning ErrGap when the point has been evicted.
func (l *EventLog) CheckReplayable(fromSeq int64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkReplayableLocked(fromSeq)
}

func (l *EventLog) checkReplayableLocked(fromSeq int64) error {
	oldest := l.next - int64(l.count)
	if fromSeq+1 < oldest {
		return ErrGap
	}
	return nil
}

// NextSeq returns the sequence number the next appended event will receive.
func (l *EventLog) NextSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
