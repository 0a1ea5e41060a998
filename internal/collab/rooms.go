package collab

import (
	"sort"
	"time"
)

// PresenceRecord is a user's live-viewing metadata within a room.
type PresenceRecord struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Department  string    `json:"department"`
	CellRef     string    `json:"cellRef,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type room struct {
	sheetID  string
	members  map[string]*Session        // conn id -> session
	presence map[string]*PresenceRecord // user id -> record
}

func newRoom(sheetID string) *room {
	return &room{
		sheetID:  sheetID,
		members:  make(map[string]*Session),
		presence: make(map[string]*PresenceRecord),
	}
}

// others returns all members except the given connection.
func (r *room) others(connID string) []*Session {
	out := make([]*Session, 0, len(r.members))
	for id, sess := range r.members {
		if id == connID {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// Rooms groups sessions by the sheet they are viewing. A room exists only
// while at least one session is in it.
type Rooms struct {
	rooms map[string]*room
}

func newRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*room)}
}

func (rm *Rooms) get(sheetID string) *room {
	return rm.rooms[sheetID]
}

// join adds the session to the room, creating it on first join. Any other
// connection for the same user id already present (a stale socket from a
// reconnect or another tab) is evicted first, so presence stays one entry
// per user id.
func (rm *Rooms) join(sess *Session, sheetID string) (evicted *Session) {
	r := rm.rooms[sheetID]
	if r == nil {
		r = newRoom(sheetID)
		rm.rooms[sheetID] = r
	}
	for connID, member := range r.members {
		if connID != sess.ConnID && member.User.UserID == sess.User.UserID {
			delete(r.members, connID)
			member.SheetID = ""
			member.CellRef = ""
			evicted = member
			break
		}
	}
	r.members[sess.ConnID] = sess
	r.presence[sess.User.UserID] = &PresenceRecord{
		UserID:      sess.User.UserID,
		DisplayName: sess.User.DisplayName,
		Role:        sess.User.Role,
		Department:  sess.User.Department,
		JoinedAt:    time.Now(),
	}
	return evicted
}

// leave removes the session and destroys the room when empty. The presence
// record is removed only if this connection is the one backing it.
func (rm *Rooms) leave(sess *Session, sheetID string) bool {
	r := rm.rooms[sheetID]
	if r == nil {
		return false
	}
	if _, ok := r.members[sess.ConnID]; !ok {
		return false
	}
	delete(r.members, sess.ConnID)

	stillPresent := false
	for _, member := range r.members {
		if member.User.UserID == sess.User.UserID {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		delete(r.presence, sess.User.UserID)
	}

	if len(r.members) == 0 {
		delete(rm.rooms, sheetID)
	}
	return true
}

// snapshot returns the deduplicated presence list for a room, oldest joiner
// first. Unknown rooms yield an empty list rather than an error.
func (rm *Rooms) snapshot(sheetID string) []PresenceRecord {
	r := rm.rooms[sheetID]
	if r == nil {
		return []PresenceRecord{}
	}
	out := make([]PresenceRecord, 0, len(r.presence))
	for _, rec := range r.presence {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// setFocus records the cell a user has focused; empty clears it.
func (rm *Rooms) setFocus(sheetID, userID, cellRef string) bool {
	r := rm.rooms[sheetID]
	if r == nil {
		return false
	}
	rec, ok := r.presence[userID]
	if !ok {
		return false
	}
	rec.CellRef = cellRef
	return true
}
