package collab

import (
	"context"
	"log"
	"time"

	"gridbook/api/internal/rbac"
	"gridbook/api/internal/store"
)

// Legacy file-scoped protocol: clients that predate the sheet rooms join a
// file, take TTL row locks before editing, and push whole-row updates. The
// lock table is the arbiter across processes, so every lock and unlock goes
// through the store before anything is broadcast.

// JoinFile adds the session to a file room and sends it the active user
// list and current lock table.
func (e *Engine) JoinFile(ctx context.Context, sess *Session, fileID string) error {
	locks, err := e.store.ListRowLocks(ctx, fileID)
	if err != nil {
		log.Printf("collab: list row locks for %s: %v", fileID, err)
		return serverError("could not load row locks")
	}

	e.mu.Lock()
	if sess.FileID != "" && sess.FileID != fileID {
		e.leaveFileLocked(sess, sess.FileID)
	}
	fr := e.fileRooms[fileID]
	if fr == nil {
		fr = make(map[string]*Session)
		e.fileRooms[fileID] = fr
	}
	fr[sess.ConnID] = sess
	sess.FileID = fileID

	joined := encode(map[string]any{
		"type":     EvtUserJoined,
		"fileId":   fileID,
		"userId":   sess.User.UserID,
		"userName": sess.User.DisplayName,
	})
	for connID, member := range fr {
		if connID != sess.ConnID {
			e.deliver(member, joined)
		}
	}
	e.deliver(sess, encode(map[string]any{
		"type":   EvtActiveUsers,
		"fileId": fileID,
		"users":  e.fileUserListLocked(fileID),
	}))
	e.deliver(sess, encode(map[string]any{
		"type":   EvtRowLocks,
		"fileId": fileID,
		"locks":  lockPayloads(locks),
	}))
	e.mu.Unlock()
	return nil
}

func (e *Engine) LeaveFile(ctx context.Context, sess *Session, fileID string) error {
	e.mu.Lock()
	left := e.leaveFileLocked(sess, fileID)
	e.mu.Unlock()

	if left {
		e.releaseUserLocks(ctx, fileID, sess.User)
	}
	return nil
}

// leaveFileLocked removes the session from a file room and tells the
// remaining members. Caller holds e.mu.
func (e *Engine) leaveFileLocked(sess *Session, fileID string) bool {
	fr := e.fileRooms[fileID]
	if fr == nil {
		return false
	}
	if _, ok := fr[sess.ConnID]; !ok {
		return false
	}
	delete(fr, sess.ConnID)
	sess.FileID = ""
	if len(fr) == 0 {
		delete(e.fileRooms, fileID)
		return true
	}
	left := encode(map[string]any{
		"type":     EvtUserLeft,
		"fileId":   fileID,
		"userId":   sess.User.UserID,
		"userName": sess.User.DisplayName,
	})
	for _, member := range fr {
		e.deliver(member, left)
	}
	return true
}

// LockRow acquires or refreshes the TTL lock on a row. A lock held by
// another user conflicts; one held by the caller (or expired, which the
// store reads as absent) is re-acquired with a fresh deadline.
func (e *Engine) LockRow(ctx context.Context, sess *Session, fileID, rowID string) error {
	if !rbac.Can(rbac.Normalize(sess.User.Role), rbac.ActionWrite) {
		return permissionDenied("role cannot lock rows")
	}
	current, err := e.store.GetRowLock(ctx, fileID, rowID)
	if err != nil {
		log.Printf("collab: get row lock %s/%s: %v", fileID, rowID, err)
		return serverError("could not acquire row lock")
	}
	if current != nil && current.UserID != sess.User.UserID {
		return lockConflict(current.UserName)
	}

	now := time.Now()
	lock := store.RowLock{
		ResourceID: fileID,
		RowID:      rowID,
		UserID:     sess.User.UserID,
		UserName:   sess.User.DisplayName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.rowLockTTL),
	}
	if err := e.store.PutRowLock(ctx, lock); err != nil {
		log.Printf("collab: put row lock %s/%s: %v", fileID, rowID, err)
		return serverError("could not acquire row lock")
	}

	e.broadcastFile(fileID, map[string]any{
		"type":      EvtRowLocked,
		"fileId":    fileID,
		"rowId":     rowID,
		"userId":    sess.User.UserID,
		"userName":  sess.User.DisplayName,
		"expiresAt": lock.ExpiresAt,
	})
	return nil
}

// UnlockRow releases the caller's lock. Releasing a row the caller does not
// hold is a no-op at the store, but the unlocked event is broadcast either
// way so clients converge on the expired-lock case.
func (e *Engine) UnlockRow(ctx context.Context, sess *Session, fileID, rowID string) error {
	if err := e.store.DeleteRowLock(ctx, fileID, rowID, sess.User.UserID); err != nil {
		log.Printf("collab: delete row lock %s/%s: %v", fileID, rowID, err)
		return serverError("could not release row lock")
	}
	e.broadcastFile(fileID, map[string]any{
		"type":   EvtRowUnlocked,
		"fileId": fileID,
		"rowId":  rowID,
		"userId": sess.User.UserID,
	})
	return nil
}

// UpdateRow broadcasts a whole-row edit to the file room, then merges the
// changed columns into the stored row. Same ordering as cell updates:
// propagation first, persistence best effort.
func (e *Engine) UpdateRow(ctx context.Context, sess *Session, fileID, rowID string, values map[string]string) error {
	if !rbac.Can(rbac.Normalize(sess.User.Role), rbac.ActionWrite) {
		return permissionDenied("role cannot edit rows")
	}
	e.mu.Lock()
	fr := e.fileRooms[fileID]
	if fr != nil {
		payload := encode(map[string]any{
			"type":      EvtRowUpdated,
			"fileId":    fileID,
			"rowId":     rowID,
			"values":    values,
			"updatedBy": sess.User.DisplayName,
		})
		for connID, member := range fr {
			if connID != sess.ConnID {
				e.deliver(member, payload)
			}
		}
	}
	e.mu.Unlock()

	if err := e.store.MergeFileRow(ctx, fileID, rowID, values, sess.User.DisplayName); err != nil {
		log.Printf("collab: row persist failed file=%s row=%s: %v", fileID, rowID, err)
	}
	return nil
}

// CursorPosition relays a cursor move to the rest of the file room.
func (e *Engine) CursorPosition(sess *Session, fileID, rowID, column string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fr := e.fileRooms[fileID]
	if fr == nil {
		return
	}
	payload := encode(map[string]any{
		"type":     EvtCursorMoved,
		"fileId":   fileID,
		"rowId":    rowID,
		"column":   column,
		"userId":   sess.User.UserID,
		"userName": sess.User.DisplayName,
	})
	for connID, member := range fr {
		if connID != sess.ConnID {
			e.deliver(member, payload)
		}
	}
}

// releaseUserLocks drops every lock the user holds in a file and announces
// each release. Runs on disconnect and explicit leave.
func (e *Engine) releaseUserLocks(ctx context.Context, fileID string, user Identity) {
	locks, err := e.store.ListRowLocks(ctx, fileID)
	if err != nil {
		log.Printf("collab: list row locks for %s: %v", fileID, err)
		return
	}
	var held []store.RowLock
	for _, lock := range locks {
		if lock.UserID == user.UserID {
			held = append(held, lock)
		}
	}
	if len(held) == 0 {
		return
	}
	if err := e.store.DeleteUserRowLocks(ctx, fileID, user.UserID); err != nil {
		log.Printf("collab: release locks for user %s in %s: %v", user.UserID, fileID, err)
		return
	}
	for _, lock := range held {
		e.broadcastFile(fileID, map[string]any{
			"type":   EvtRowUnlocked,
			"fileId": fileID,
			"rowId":  lock.RowID,
			"userId": user.UserID,
		})
	}
}

func (e *Engine) broadcastFile(fileID string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fr := e.fileRooms[fileID]
	if fr == nil {
		return
	}
	data := encode(payload)
	for _, member := range fr {
		e.deliver(member, data)
	}
}

// fileUserListLocked deduplicates file room members by user id. Caller
// holds e.mu.
func (e *Engine) fileUserListLocked(fileID string) []map[string]string {
	seen := make(map[string]bool)
	out := make([]map[string]string, 0)
	for _, member := range e.fileRooms[fileID] {
		if seen[member.User.UserID] {
			continue
		}
		seen[member.User.UserID] = true
		out = append(out, map[string]string{
			"userId":   member.User.UserID,
			"userName": member.User.DisplayName,
		})
	}
	return out
}

func lockPayloads(locks []store.RowLock) []map[string]any {
	out := make([]map[string]any, 0, len(locks))
	for _, lock := range locks {
		out = append(out, map[string]any{
			"rowId":     lock.RowID,
			"userId":    lock.UserID,
			"userName":  lock.UserName,
			"expiresAt": lock.ExpiresAt,
		})
	}
	return out
}
