package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scriptrun/internal/logging"
)

// Observer receives session lifecycle notifications, e.g. for metrics.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	SessionCreated()
	SessionStarted()
	SessionFinished(state State)
	SpawnFailed()
	SessionDestroyed()
}

type nopObserver struct{}

func (nopObserver) SessionCreated()       {}
func (nopObserver) SessionStarted()       {}
func (nopObserver) SessionFinished(State) {}
func (nopObserver) SpawnFailed()          {}
func (nopObserver) SessionDestroyed()     {}

// Registry maps session ids to sessions and owns their creation and
// destruction. Its lock guards map membership only; each Session has its own.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	observer    Observer
	logger      zerolog.Logger
}

// NewRegistry creates an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		observer:    nopObserver{},
		logger:      logging.Component("registry"),
	}
}

// SetObserver installs a lifecycle observer. Call before the registry is shared.
func (r *Registry) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// Create allocates a pending session for an already validated script path.
func (r *Registry) Create(scriptPath string) (string, error) {
	id := uuid.New().String()
	sess := newSession(id, scriptPath, time.Now())

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrTooManySessions, r.maxSessions)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	r.observer.SessionCreated()
	r.logger.Info().Str("session", id).Str("script", scriptPath).Msg("created session")
	return id, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Destroy force-terminates any live process and removes the session.
// A second call for the same id returns ErrSessionNotFound.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if proc := sess.destroy(); proc != nil {
		proc.terminate()
	}
	r.observer.SessionDestroyed()
	r.logger.Info().Str("session", id).Msg("destroyed session")
	return nil
}

// Sweep removes sessions that are not running and have been inactive for
// longer than maxAge. Running sessions are never removed. It returns the
// number of sessions removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	var removed []string
	var procs []*process
	r.mu.Lock()
	for id, sess := range r.sessions {
		// Session locks nest inside the registry lock, never the reverse.
		sess.mu.Lock()
		if sess.sweepableLocked(cutoff) {
			if proc := sess.destroyLocked(); proc != nil {
				procs = append(procs, proc)
			}
			removed = append(removed, id)
			delete(r.sessions, id)
		}
		sess.mu.Unlock()
	}
	r.mu.Unlock()

	for _, proc := range procs {
		proc.terminate()
	}
	for _, id := range removed {
		r.observer.SessionDestroyed()
		r.logger.Debug().Str("session", id).Msg("reaped idle session")
	}

	if len(removed) > 0 {
		r.logger.Info().Int("count", len(removed)).Dur("max_age", maxAge).Msg("swept idle sessions")
	}
	return len(removed)
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	result := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown destroys every session. Called when the hosting server stops.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Destroy(id)
	}
}
