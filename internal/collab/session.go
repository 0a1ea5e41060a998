package collab

import "gridbook/api/internal/rbac"

// Identity is the authenticated user behind a live connection, resolved
// once at connect time by the identity collaborator.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
	Department  string
}

func (id Identity) isAdmin() bool {
	return rbac.Normalize(id.Role) == rbac.RoleAdmin
}

// Session is the per-connection state. One user may hold several sessions
// (multiple tabs); rooms deduplicate presence by user id, not by session.
type Session struct {
	ConnID string
	User   Identity

	// Current locations; mutated only while the engine lock is held.
	SheetID string
	CellRef string
	FileID  string

	send chan []byte
}

const sendBufferSize = 64

func newSession(connID string, user Identity) *Session {
	return &Session{
		ConnID: connID,
		User:   user,
		send:   make(chan []byte, sendBufferSize),
	}
}

// Outbox is the channel the write pump (or a test) drains.
func (s *Session) Outbox() <-chan []byte {
	return s.send
}

// Registry is the directory of connected sessions. Admin sessions are also
// tracked on a broadcast-only administrative channel so edit-request
// notifications reach them regardless of which room they are in.
type Registry struct {
	sessions map[string]*Session
	admins   map[string]*Session
}

func newRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		admins:   make(map[string]*Session),
	}
}

func (r *Registry) add(sess *Session) {
	r.sessions[sess.ConnID] = sess
	if sess.User.isAdmin() {
		r.admins[sess.ConnID] = sess
	}
}

// remove is idempotent; disconnect and error paths may both call it.
func (r *Registry) remove(connID string) {
	delete(r.sessions, connID)
	delete(r.admins, connID)
}

func (r *Registry) get(connID string) *Session {
	return r.sessions[connID]
}

func (r *Registry) adminSessions() []*Session {
	out := make([]*Session, 0, len(r.admins))
	for _, sess := range r.admins {
		out = append(out, sess)
	}
	return out
}

func (r *Registry) count() int {
	return len(r.sessions)
}
