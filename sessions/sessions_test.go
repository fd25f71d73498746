package sessions

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records everything written to it.
type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (c *captureSink) WriteEvent(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *captureSink) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(opts ...RegistryOption) *Registry {
	return NewRegistry(append([]RegistryOption{WithLogCapacity(64)}, opts...)...)
}

func TestEmitAppendsAndDeliversToSink(t *testing.T) {
	sess := newTestRegistry().Create()
	snk := &captureSink{}
	sess.AttachSink(snk)

	ev, err := sess.Emit(EventKindMessage, []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Seq)

	got := snk.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, EventKindMessage, got[0].Kind)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Payload))
}

func TestEmitWithoutSinkStillAppends(t *testing.T) {
	sess := newTestRegistry().Create()

	for i := 0; i < 3; i++ {
		_, err := sess.Emit(EventKindMessage, []byte(`{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), sess.Log().NextSeq())
}

func TestEmitAfterExpiryFails(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sess := newTestRegistry(WithClock(fc)).Create()

	require.True(t, sess.expireIfIdle(fc.Now().Add(time.Hour), time.Minute))

	_, err := sess.Emit(EventKindMessage, []byte(`{}`))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestAttachSinkEvictsPrevious(t *testing.T) {
	sess := newTestRegistry().Create()
	first := &captureSink{}
	second := &captureSink{}

	sess.AttachSink(first)
	_, err := sess.Emit(EventKindMessage, []byte(`{"n":1}`))
	require.NoError(t, err)

	sess.AttachSink(second)
	assert.True(t, first.isClosed(), "evicted sink must be closed")

	_, err = sess.Emit(EventKindMessage, []byte(`{"n":2}`))
	require.NoError(t, err)

	// The evicted sink saw only the first event; the new one only the second.
	require.Len(t, first.snapshot(), 1)
	got := second.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Seq)
}

func TestDetachStaleSinkIsNoOp(t *testing.T) {
	sess := newTestRegistry().Create()
	current := &captureSink{}
	stale := &captureSink{}

	sess.AttachSink(current)
	sess.DetachSink(stale)

	assert.Equal(t, SessionStateActive, sess.State())
	_, err := sess.Emit(EventKindMessage, []byte(`{}`))
	require.NoError(t, err)
	assert.Len(t, current.snapshot(), 1, "current sink must still be attached")
}

func TestWriteFailureDetachesSinkButKeepsProducing(t *testing.T) {
	sess := newTestRegistry().Create()
	snk := &captureSink{fail: true}
	sess.AttachSink(snk)

	_, err := sess.Emit(EventKindMessage, []byte(`{}`))
	require.NoError(t, err, "delivery failure must not surface to the producer")
	assert.True(t, snk.isClosed())
	assert.Equal(t, SessionStateDisconnected, sess.State())

	// Production continues into the log.
	_, err = sess.Emit(EventKindMessage, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.Log().NextSeq())
}

func TestResumeReplaysThenAttaches(t *testing.T) {
	sess := newTestRegistry().Create()
	for i := 0; i < 10; i++ {
		_, err := sess.Emit(EventKindMessage, fmt.Appendf(nil, `{"n":%d}`, i))
		require.NoError(t, err)
	}

	snk := &captureSink{}
	require.NoError(t, sess.Resume(4, snk))

	got := snk.snapshot()
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, int64(5+i), ev.Seq)
	}

	// Live events flow to the resumed sink.
	_, err := sess.Emit(EventKindMessage, []byte(`{}`))
	require.NoError(t, err)
	got = snk.snapshot()
	require.Len(t, got, 6)
	assert.Equal(t, int64(10), got[5].Seq)
}

func TestResumeIsIdempotentAcrossRetries(t *testing.T) {
	sess := newTestRegistry().Create()
	for i := 0; i < 8; i++ {
		_, err := sess.Emit(EventKindMessage, fmt.Appendf(nil, `{"n":%d}`, i))
		require.NoError(t, err)
	}

	a := &captureSink{}
	require.NoError(t, sess.Resume(2, a))
	b := &captureSink{}
	require.NoError(t, sess.Resume(2, b))

	evA, evB := a.snapshot(), b.snapshot()
	require.Equal(t, len(evA), len(evB))
	for i := range evA {
		assert.Equal(t, evA[i].Seq, evB[i].Seq)
		assert.Equal(t, evA[i].Payload, evB[i].Payload)
	}
	assert.True(t, a.isClosed(), "first resumed sink must be evicted by the second")
}

func TestResumeBeyondRetentionReturnsGap(t *testing.T) {
	sess := NewRegistry(WithLogCapacity(3)).Create()
	for i := 0; i < 10; i++ {
		_, err := sess.Emit(EventKindMessage, []byte(`{}`))
		require.NoError(t, err)
	}

	err := sess.Resume(1, &captureSink{})
	require.ErrorIs(t, err, ErrGap)
}

func TestResumeIsLosslessUnderConcurrentEmits(t *testing.T) {
	sess := newTestRegistry().Create()
	for i := 0; i < 5; i++ {
		_, err := sess.Emit(EventKindMessage, []byte(`{}`))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = sess.Emit(EventKindMessage, []byte(`{}`))
		}
	}()

	snk := &captureSink{}
	require.NoError(t, sess.Resume(-1, snk))
	wg.Wait()

	got := snk.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, int64(0), got[0].Seq)
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1].Seq+1, got[i].Seq,
			"hand-off from replay to live delivery must not skip or repeat")
	}
}

func TestTerminateClosesSinkAndCancelsProducer(t *testing.T) {
	sess := newTestRegistry().Create()
	snk := &captureSink{}
	sess.AttachSink(snk)

	canceled := false
	sess.BindCancel(func() { canceled = true })

	sess.terminate()

	assert.True(t, snk.isClosed())
	assert.True(t, canceled)
	assert.Equal(t, SessionStateExpired, sess.State())
	select {
	case <-sess.Done():
	default:
		t.Fatal("Done must be closed after terminate")
	}

	// Terminating twice must not panic or double-close Done.
	sess.terminate()
}
