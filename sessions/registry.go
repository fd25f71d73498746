package sessions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultLogCapacity   = 500
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets the idle TTL after which a session with no attached sink is
// expired and removed.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

// WithSweepInterval sets how often the expiry sweep runs.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.sweepEvery = d }
}

// WithLogCapacity sets the per-session event log retention bound.
func WithLogCapacity(n int) RegistryOption {
	return func(r *Registry) { r.logCapacity = n }
}

// WithClock injects the clock used for activity timestamps and the sweep
// timer. Defaults to the real clock.
func WithClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the slog logger used by the registry. Logs are discarded
// by default.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// Registry owns every live session, mapping session id to session state. It
// supports concurrent create/lookup/touch and runs a periodic sweep that
// removes sessions whose TTL elapsed with no sink attached. Once removed, a
// session's event log is unrecoverable: later resumption attempts get
// ErrSessionNotFound.
type Registry struct {
	log         *slog.Logger
	clock       clockwork.Clock
	ttl         time.Duration
	sweepEvery  time.Duration
	logCapacity int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry. Call Run to start the expiry
// sweep.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:       clockwork.NewRealClock(),
		ttl:         defaultTTL,
		sweepEvery:  defaultSweepInterval,
		logCapacity: defaultLogCapacity,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores and returns a new active session with a fresh unique id and
// an empty event log.
func (r *Registry) Create() *Session {
	now := r.clock.Now()
	sess := &Session{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		state:        SessionStateActive,
		log:          NewEventLog(r.logCapacity),
		clock:        r.clock,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	r.log.Debug("session.create", slog.String("session_id", sess.id))
	return sess
}

// Lookup returns the session with the given id or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch refreshes the session's last-activity timestamp. Called on every
// inbound request tied to the session.
func (r *Registry) Touch(id string) error {
	sess, err := r.Lookup(id)
	if err != nil {
		return err
	}
	sess.Touch()
	return nil
}

// Remove terminates the session immediately, canceling its producer, and
// deletes it from the registry. Used for explicit (DELETE) termination.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.terminate()
	r.log.Info("session.remove", slog.String("session_id", id))
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run executes the recurring expiry sweep until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

// Sweep expires and removes every session whose TTL elapsed with no sink
// attached and no activity since. Returns the number of sessions removed.
// Expiry tears down session state only; it does not cancel the underlying
// invocation, which stops at its next append against the expired session.
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []string
	for id, sess := range r.sessions {
		if sess.expireIfIdle(now, r.ttl) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.log.Info("session.sweep.expire", slog.String("session_id", id))
	}
	return len(expired)
}
