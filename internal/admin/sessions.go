package admin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionRegistry tracks transfer sessions currently in flight on a
// daemon, so ListSessions has something to report. There is no
// counterpart in the original daemon (see DESIGN.md); it is a minimal
// addition needed to make the supplemented ListSessions call mean
// something concrete.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
}

type trackedSession struct {
	info  SessionInfo
	bytes atomic.Int64
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*trackedSession)}
}

// Begin registers a new session and returns its ID plus a handle used to
// report progress and, via the returned end func, remove it again. Callers
// (PushServer/PullServer wrappers) should defer the end func.
func (r *SessionRegistry) Begin(module, direction, remoteAddr string) (id string, update func(bytesTransferred int64), end func()) {
	id = uuid.NewString()

	ts := &trackedSession{info: SessionInfo{
		ID:         id,
		Module:     module,
		Direction:  direction,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
	}}

	r.mu.Lock()
	r.sessions[id] = ts
	r.mu.Unlock()

	update = func(bytesTransferred int64) { ts.bytes.Store(bytesTransferred) }
	end = func() {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
	}
	return id, update, end
}

// List returns a snapshot of every currently registered session, oldest
// first.
func (r *SessionRegistry) List() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, ts := range r.sessions {
		info := ts.info
		info.BytesTransferred = ts.bytes.Load()
		out = append(out, info)
	}
	sortSessions(out)
	return out
}
