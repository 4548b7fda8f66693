package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyBound = errors.New("connection is already bound to a room")
)

// Session is the identity a connection acquired when it joined a room.
type Session struct {
	Room     string
	Username string
	JoinedAt time.Time
}

// Registry maps connection ids to sessions. It is mutated only by
// join and disconnect processing and queried everywhere else.
type Registry struct {
	mx       sync.RWMutex
	sessions map[string]Session
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
	}
}

// Bind establishes a session for a connection. A connection can be bound
// at most once for its lifetime; there is no room switching.
func (r *Registry) Bind(connID, room, username string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.sessions[connID]; ok {
		return ErrAlreadyBound
	}
	r.sessions[connID] = Session{
		Room:     room,
		Username: username,
		JoinedAt: time.Now(),
	}
	return nil
}

func (r *Registry) IdentityOf(connID string) (Session, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	sess, ok := r.sessions[connID]
	return sess, ok
}

// Unbind tears down a session. Safe to call more than once;
// the second call reports not-found.
func (r *Registry) Unbind(connID string) (Session, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	sess, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	return sess, ok
}
