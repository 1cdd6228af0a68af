// Package registry tracks call sessions in memory and mirrors every change to
// a persistent store.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/voice"
)

// Store persists sessions. GetSession returns an error wrapping
// callerr.ErrNotFound for unknown ids.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	UpdateStatus(ctx context.Context, id string, status Status, endedAt *time.Time) error
	GetSession(ctx context.Context, id string) (Session, error)
}

// Change describes one registry mutation. Previous is empty for a newly
// created session.
type Change struct {
	Session  Session
	Previous Status
}

// StatusChanged reports whether the change moved the session's status.
func (c Change) StatusChanged() bool {
	return c.Previous != c.Session.Status
}

// Listener observes changes in the order they were applied. It must not
// mutate the registry.
type Listener func(Change)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Registry holds the live call sessions keyed by call id. It is safe for
// concurrent use.
type Registry struct {
	store     Store
	clock     Clock
	log       *slog.Logger
	listeners []Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	// notifyMu orders mirror writes and listener calls to match the order
	// mutations were applied under mu.
	notifyMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore mirrors sessions to s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock sets the time source for session timestamps.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger for mirror failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithListener registers l for every change.
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// New returns an empty registry. Without WithStore sessions live only in
// memory.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:    time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrDiscard(r.log).With("component", "registry")
	return r
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.clock()
}

// Create registers a new session. A zero StartedAt is set to now and an empty
// status becomes initiated.
func (r *Registry) Create(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		return Session{}, fmt.Errorf("registering session: empty id")
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = r.clock()
	}
	if s.Status == "" {
		s.Status = StatusInitiated
	}

	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("registering session %s: already registered", s.ID)
	}
	stored := s.clone()
	r.sessions[s.ID] = &stored
	snap := stored.clone()
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.mirror(ctx, snap.ID, func(st Store) error { return st.SaveSession(ctx, snap) })
	r.emit(Change{Session: snap})
	return snap, nil
}

// Get returns the in-memory session only.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Lookup returns the in-memory session or falls back to the persisted record.
func (r *Registry) Lookup(ctx context.Context, id string) (Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	return r.Persisted(ctx, id)
}

// Persisted reads the stored record for id, bypassing memory.
func (r *Registry) Persisted(ctx context.Context, id string) (Session, error) {
	if r.store == nil {
		return Session{}, fmt.Errorf("%w: call %s", callerr.ErrNotFound, id)
	}
	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("loading call %s: %w", id, err)
	}
	return s, nil
}

// OnCallEvent applies an observed status. Backward or repeated transitions
// and anything after completed/failed are ignored and report false.
func (r *Registry) OnCallEvent(ctx context.Context, id string, status Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("call %s: unknown status %q", id, status)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: call %s", callerr.ErrNotFound, id)
	}
	if !s.Status.CanAdvance(status) {
		r.mu.Unlock()
		r.log.Debug("ignoring status", "call_id", id, "current", s.Status, "observed", status)
		return false, nil
	}
	prev := s.Status
	s.Status = status
	if status.Terminal() {
		now := r.clock()
		s.EndedAt = &now
	}
	snap := s.clone()
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.mirror(ctx, id, func(st Store) error { return st.UpdateStatus(ctx, id, snap.Status, snap.EndedAt) })
	r.emit(Change{Session: snap, Previous: prev})
	return true, nil
}

// UpdatePersisted moves a record that is only known to the store. The same
// forward-only rule applies.
func (r *Registry) UpdatePersisted(ctx context.Context, id string, status Status) error {
	s, err := r.Persisted(ctx, id)
	if err != nil {
		return err
	}
	if !s.Status.CanAdvance(status) {
		return nil
	}
	var endedAt *time.Time
	if status.Terminal() {
		now := r.clock()
		endedAt = &now
	}
	if err := r.store.UpdateStatus(ctx, id, status, endedAt); err != nil {
		return fmt.Errorf("updating call %s: %w", id, err)
	}
	return nil
}

// SetChannel records the switch channel learned for id.
func (r *Registry) SetChannel(ctx context.Context, id, channel string) error {
	return r.update(ctx, id, func(s *Session) bool {
		if s.Channel == channel {
			return false
		}
		s.Channel = channel
		return true
	})
}

// SetVoice changes the active voice of a live call. An empty voiceID means
// the caller's original voice.
func (r *Registry) SetVoice(ctx context.Context, id, voiceID string, p voice.Parameters) error {
	return r.update(ctx, id, func(s *Session) bool {
		if s.VoiceID == voiceID && s.Parameters == p {
			return false
		}
		s.VoiceID = voiceID
		s.Parameters = p
		return true
	})
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Session) bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: call %s", callerr.ErrNotFound, id)
	}
	if !fn(s) {
		r.mu.Unlock()
		return nil
	}
	snap := s.clone()
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.mirror(ctx, id, func(st Store) error { return st.SaveSession(ctx, snap) })
	r.emit(Change{Session: snap, Previous: snap.Status})
	return nil
}

// Remove drops id from memory. The persisted record is kept.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns every in-memory session, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of in-memory sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// mirror writes through to the store. Failures are logged; memory stays
// authoritative for live calls.
func (r *Registry) mirror(ctx context.Context, id string, write func(Store) error) {
	if r.store == nil {
		return
	}
	if err := write(r.store); err != nil {
		r.log.Warn("mirroring session failed", "call_id", id, "error", err)
	}
}

func (r *Registry) emit(c Change) {
	for _, l := range r.listeners {
		l(c)
	}
}
