// Package collab implements the real-time collaborative sheet-editing
// engine: connection registry, sheet rooms with presence, cell focus and
// update propagation, legacy row locks, and the edit-request workflow.
package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"gridbook/api/internal/rbac"
	"gridbook/api/internal/store"
	"gridbook/api/internal/util"
)

// Store is the durable side of the engine. Broadcasts never wait on it for
// cell updates; locks and edit requests consult it before broadcasting.
type Store interface {
	UpsertSheetRowCell(ctx context.Context, sheetID string, rowIndex int, column, value, updatedBy string) error
	MergeFileRow(ctx context.Context, fileID, rowID string, values map[string]string, updatedBy string) error

	GetRowLock(ctx context.Context, resourceID, rowID string) (*store.RowLock, error)
	PutRowLock(ctx context.Context, lock store.RowLock) error
	DeleteRowLock(ctx context.Context, resourceID, rowID, userID string) error
	DeleteUserRowLocks(ctx context.Context, resourceID, userID string) error
	ListRowLocks(ctx context.Context, resourceID string) ([]store.RowLock, error)
	DeleteExpiredRowLocks(ctx context.Context) (int64, error)
	DeleteExpiredSheetLocks(ctx context.Context) (int64, error)

	DeletePendingEditRequest(ctx context.Context, sheetID string, rowIndex int, columnName, requesterID string) error
	InsertEditRequest(ctx context.Context, req store.EditRequest) error
	ResolveEditRequest(ctx context.Context, requestID, status, resolvedBy, rejectReason string, grantExpiresAt *time.Time) (store.EditRequest, bool, error)

	UpsertEditSession(ctx context.Context, sheetID, userID string) error
	EndEditSession(ctx context.Context, sheetID, userID string) error

	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
}

type Options struct {
	RowLockTTL time.Duration
	GrantTTL   time.Duration
}

// Engine owns all in-process collaboration state. A single mutex stands in
// for the reference dispatcher: every handler mutates maps and enqueues
// broadcasts inside the critical section, then performs its durable write
// outside it. State here is process-local; the database is the only state
// shared across processes.
type Engine struct {
	mu        sync.Mutex
	store     Store
	registry  *Registry
	rooms     *Rooms
	fileRooms map[string]map[string]*Session // file id -> conn id -> session

	rowLockTTL time.Duration
	grantTTL   time.Duration
}

func NewEngine(st Store, opts Options) *Engine {
	if opts.RowLockTTL <= 0 {
		opts.RowLockTTL = 5 * time.Minute
	}
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = 30 * time.Minute
	}
	return &Engine{
		store:      st,
		registry:   newRegistry(),
		rooms:      newRooms(),
		fileRooms:  make(map[string]map[string]*Session),
		rowLockTTL: opts.RowLockTTL,
		grantTTL:   opts.GrantTTL,
	}
}

// Register creates the session for an authenticated connection. Admin
// sessions are additionally subscribed to the administrative channel.
func (e *Engine) Register(connID string, user Identity) *Session {
	if connID == "" {
		connID = util.NewID("conn")
	}
	sess := newSession(connID, user)
	e.mu.Lock()
	e.registry.add(sess)
	e.mu.Unlock()
	return sess
}

// Disconnect tears a session down: implicit room leave, legacy file-room
// leave with lock release, and registry removal. Safe to call twice.
func (e *Engine) Disconnect(sess *Session) {
	ctx := context.Background()

	e.mu.Lock()
	if e.registry.get(sess.ConnID) == nil {
		e.mu.Unlock()
		return
	}
	sheetID := sess.SheetID
	fileID := sess.FileID
	if sheetID != "" {
		e.leaveSheetLocked(sess, sheetID)
	}
	if fileID != "" {
		e.leaveFileLocked(sess, fileID)
	}
	e.registry.remove(sess.ConnID)
	e.mu.Unlock()

	if sheetID != "" {
		if err := e.store.EndEditSession(ctx, sheetID, sess.User.UserID); err != nil {
			log.Printf("collab: end edit session: %v", err)
		}
	}
	if fileID != "" {
		e.releaseUserLocks(ctx, fileID, sess.User)
	}
}

// Dispatch validates a decoded client message and routes it to the
// matching operation.
func (e *Engine) Dispatch(ctx context.Context, sess *Session, msg ClientMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Type {
	case MsgJoinSheet:
		return e.JoinSheet(ctx, sess, msg.SheetID)
	case MsgLeaveSheet:
		return e.LeaveSheet(ctx, sess, msg.SheetID)
	case MsgCellFocus:
		e.FocusCell(sess, msg.SheetID, msg.CellRef)
		return nil
	case MsgCellBlur:
		e.BlurCell(sess, msg.SheetID, msg.CellRef)
		return nil
	case MsgCellUpdate:
		value := ""
		if msg.Value != nil {
			value = *msg.Value
		}
		return e.UpdateCell(ctx, sess, msg.SheetID, *msg.RowIndex, msg.ColumnName, value)
	case MsgRequestEdit:
		// The request-edit row is 1-based on the wire; everything past this
		// point (supersede key, stored request, cell upsert, broadcasts)
		// uses the zero-based row index of cell-update.
		return e.SubmitEditRequest(ctx, sess, EditRequestInput{
			SheetID:       msg.SheetID,
			RowIndex:      *msg.Row - 1,
			ColumnName:    msg.Column,
			CellRef:       msg.CellRef,
			CurrentValue:  msg.CurrentValue,
			ProposedValue: msg.ProposedValue,
		})
	case MsgResolveEditRequest:
		_, err := e.ResolveEditRequest(ctx, sess.User, msg.RequestID, *msg.Approved, msg.RejectReason)
		return err
	case MsgJoinFile:
		return e.JoinFile(ctx, sess, msg.FileID)
	case MsgLeaveFile:
		return e.LeaveFile(ctx, sess, msg.FileID)
	case MsgLockRow:
		return e.LockRow(ctx, sess, msg.FileID, msg.RowID)
	case MsgUnlockRow:
		return e.UnlockRow(ctx, sess, msg.FileID, msg.RowID)
	case MsgUpdateRow:
		return e.UpdateRow(ctx, sess, msg.FileID, msg.RowID, msg.Values)
	case MsgCursorPosition:
		e.CursorPosition(sess, msg.FileID, msg.RowID, msg.Column)
		return nil
	}
	return invalidMessage("unknown message type " + msg.Type)
}

// ---------------------------------------------------------------------------
// Sheet rooms

// JoinSheet moves the session into the sheet's room. The presence snapshot
// is sent directly to the joiner and broadcast to everyone else, so the
// joiner never races its own membership propagation.
func (e *Engine) JoinSheet(ctx context.Context, sess *Session, sheetID string) error {
	e.mu.Lock()
	previous := sess.SheetID
	if previous != "" && previous != sheetID {
		e.leaveSheetLocked(sess, previous)
	}
	if sess.SheetID != sheetID {
		if evicted := e.rooms.join(sess, sheetID); evicted != nil {
			log.Printf("collab: evicted stale session %s for user %s in sheet %s", evicted.ConnID, evicted.User.UserID, sheetID)
		}
		sess.SheetID = sheetID
		sess.CellRef = ""
	}
	snapshot := e.rooms.snapshot(sheetID)
	payload := encode(map[string]any{
		"type":    EvtPresenceUpdate,
		"sheetId": sheetID,
		"users":   snapshot,
	})
	e.deliver(sess, payload)
	if r := e.rooms.get(sheetID); r != nil {
		for _, member := range r.others(sess.ConnID) {
			e.deliver(member, payload)
		}
	}
	e.mu.Unlock()

	if previous != "" && previous != sheetID {
		if err := e.store.EndEditSession(ctx, previous, sess.User.UserID); err != nil {
			log.Printf("collab: end edit session: %v", err)
		}
	}
	if err := e.store.UpsertEditSession(ctx, sheetID, sess.User.UserID); err != nil {
		log.Printf("collab: upsert edit session: %v", err)
	}
	return nil
}

func (e *Engine) LeaveSheet(ctx context.Context, sess *Session, sheetID string) error {
	e.mu.Lock()
	left := e.leaveSheetLocked(sess, sheetID)
	e.mu.Unlock()

	if left {
		if err := e.store.EndEditSession(ctx, sheetID, sess.User.UserID); err != nil {
			log.Printf("collab: end edit session: %v", err)
		}
	}
	return nil
}

// leaveSheetLocked removes the session from a room and broadcasts the new
// snapshot to the remaining members. Caller holds e.mu.
func (e *Engine) leaveSheetLocked(sess *Session, sheetID string) bool {
	if !e.rooms.leave(sess, sheetID) {
		return false
	}
	sess.SheetID = ""
	sess.CellRef = ""
	if r := e.rooms.get(sheetID); r != nil {
		payload := encode(map[string]any{
			"type":    EvtPresenceUpdate,
			"sheetId": sheetID,
			"users":   e.rooms.snapshot(sheetID),
		})
		for _, member := range r.members {
			e.deliver(member, payload)
		}
	}
	return true
}

// PresenceSnapshot returns the deduplicated presence list for a sheet.
func (e *Engine) PresenceSnapshot(sheetID string) []PresenceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rooms.snapshot(sheetID)
}

// ---------------------------------------------------------------------------
// Cell focus

// FocusCell and BlurCell are fire-and-forget: no persistence, and a no-op
// when the room does not exist.
func (e *Engine) FocusCell(sess *Session, sheetID, cellRef string) {
	e.focusChange(sess, sheetID, cellRef, EvtCellFocused, cellRef)
}

func (e *Engine) BlurCell(sess *Session, sheetID, cellRef string) {
	e.focusChange(sess, sheetID, "", EvtCellBlurred, cellRef)
}

func (e *Engine) focusChange(sess *Session, sheetID, newFocus, event, cellRef string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rooms.setFocus(sheetID, sess.User.UserID, newFocus) {
		return
	}
	sess.CellRef = newFocus
	r := e.rooms.get(sheetID)
	if r == nil {
		return
	}
	payload := encode(map[string]any{
		"type":        event,
		"sheetId":     sheetID,
		"cellRef":     cellRef,
		"userId":      sess.User.UserID,
		"displayName": sess.User.DisplayName,
	})
	for _, member := range r.others(sess.ConnID) {
		e.deliver(member, payload)
	}
}

// ---------------------------------------------------------------------------
// Cell updates

// UpdateCell fans the edit out to the rest of the room first and persists
// afterwards, so collaborator latency never depends on storage latency. A
// failed write is logged and swallowed: the broadcast is the source of
// truth for connected clients and a full-sheet reload is the catch-up path.
func (e *Engine) UpdateCell(ctx context.Context, sess *Session, sheetID string, rowIndex int, columnName, value string) error {
	if !rbac.Can(rbac.Normalize(sess.User.Role), rbac.ActionWrite) {
		return permissionDenied("role cannot edit cells")
	}
	e.applyCellUpdate(ctx, sess.User, sess.ConnID, sheetID, rowIndex, columnName, value)
	return nil
}

// applyCellUpdate is shared by direct edits and approved edit requests.
// exceptConnID is empty when the whole room should hear the update.
func (e *Engine) applyCellUpdate(ctx context.Context, actor Identity, exceptConnID, sheetID string, rowIndex int, columnName, value string) {
	e.mu.Lock()
	if r := e.rooms.get(sheetID); r != nil {
		payload := encode(map[string]any{
			"type":       EvtCellUpdated,
			"sheetId":    sheetID,
			"rowIndex":   rowIndex,
			"columnName": columnName,
			"value":      value,
			"updatedBy":  actor.DisplayName,
		})
		for _, member := range r.others(exceptConnID) {
			e.deliver(member, payload)
		}
	}
	e.mu.Unlock()

	if err := e.store.UpsertSheetRowCell(ctx, sheetID, rowIndex, columnName, value, actor.DisplayName); err != nil {
		// Availability over consistency: the broadcast already delivered the
		// intended effect, so the failure stays server-side.
		log.Printf("collab: cell persist failed sheet=%s row=%d col=%s: %v", sheetID, rowIndex, columnName, err)
		return
	}
	e.audit(ctx, "cell.updated", actor, sheetID, map[string]any{
		"rowIndex":   rowIndex,
		"columnName": columnName,
	})
}

// BroadcastSheetSaved tells every viewer of a sheet to reload after a full
// save performed over REST.
func (e *Engine) BroadcastSheetSaved(sheetID, savedBy string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.rooms.get(sheetID)
	if r == nil {
		return
	}
	payload := encode(map[string]any{
		"type":    EvtSheetSaved,
		"sheetId": sheetID,
		"savedBy": savedBy,
	})
	for _, member := range r.members {
		e.deliver(member, payload)
	}
}

// ---------------------------------------------------------------------------
// Edit-request workflow

type EditRequestInput struct {
	SheetID       string
	RowIndex      int
	ColumnName    string
	CellRef       string
	CurrentValue  string
	ProposedValue *string
}

// SubmitEditRequest files a pending request for a policy-locked cell. Any
// earlier pending request by the same requester for the same cell is
// superseded. The sheet room and the admin channel are both notified so an
// admin sees the ask even while viewing another sheet.
func (e *Engine) SubmitEditRequest(ctx context.Context, sess *Session, input EditRequestInput) error {
	if sess.User.isAdmin() {
		return permissionDenied("admins do not need to request edits")
	}

	if err := e.store.DeletePendingEditRequest(ctx, input.SheetID, input.RowIndex, input.ColumnName, sess.User.UserID); err != nil {
		log.Printf("collab: supersede edit request: %v", err)
		return serverError("could not submit edit request")
	}

	req := store.EditRequest{
		ID:                  util.NewID("ereq"),
		SheetID:             input.SheetID,
		RowIndex:            input.RowIndex,
		ColumnName:          input.ColumnName,
		CellRef:             input.CellRef,
		CurrentValue:        input.CurrentValue,
		ProposedValue:       input.ProposedValue,
		RequesterID:         sess.User.UserID,
		RequesterName:       sess.User.DisplayName,
		RequesterRole:       sess.User.Role,
		RequesterDepartment: sess.User.Department,
		Status:              store.EditRequestPending,
		CreatedAt:           time.Now(),
	}
	if err := e.store.InsertEditRequest(ctx, req); err != nil {
		log.Printf("collab: insert edit request: %v", err)
		return serverError("could not submit edit request")
	}

	e.mu.Lock()
	e.deliver(sess, encode(map[string]any{
		"type":    EvtEditRequestSubmitted,
		"request": requestPayload(req),
	}))
	notification := encode(map[string]any{
		"type":    EvtEditRequestNotification,
		"request": requestPayload(req),
	})
	for _, target := range e.notificationTargets(input.SheetID) {
		e.deliver(target, notification)
	}
	e.mu.Unlock()

	e.audit(ctx, "edit_request.submitted", sess.User, input.SheetID, map[string]any{
		"requestId":  req.ID,
		"rowIndex":   input.RowIndex,
		"columnName": input.ColumnName,
	})
	return nil
}

// notificationTargets is the union of a sheet room's members and the admin
// channel, deduplicated by connection. Caller holds e.mu.
func (e *Engine) notificationTargets(sheetID string) []*Session {
	seen := make(map[string]bool)
	var out []*Session
	if r := e.rooms.get(sheetID); r != nil {
		for _, member := range r.members {
			if !seen[member.ConnID] {
				seen[member.ConnID] = true
				out = append(out, member)
			}
		}
	}
	for _, admin := range e.registry.adminSessions() {
		if !seen[admin.ConnID] {
			seen[admin.ConnID] = true
			out = append(out, admin)
		}
	}
	return out
}

// ResolveEditRequest performs the terminal pending->approved/rejected
// transition. It is the single resolution path: the socket handler and the
// REST fallback both land here, so persisted state and broadcast side
// effects are identical on either surface. On approval with a proposed
// value, the value is applied and propagated without the requester acting.
func (e *Engine) ResolveEditRequest(ctx context.Context, actor Identity, requestID string, approved bool, rejectReason string) (store.EditRequest, error) {
	if !rbac.Can(rbac.Normalize(actor.Role), rbac.ActionResolve) {
		return store.EditRequest{}, permissionDenied("only admins can resolve edit requests")
	}

	status := store.EditRequestRejected
	var grantExpiresAt *time.Time
	if approved {
		status = store.EditRequestApproved
		expiry := time.Now().Add(e.grantTTL)
		grantExpiresAt = &expiry
		rejectReason = ""
	}

	req, ok, err := e.store.ResolveEditRequest(ctx, requestID, status, actor.UserID, rejectReason, grantExpiresAt)
	if err != nil {
		log.Printf("collab: resolve edit request %s: %v", requestID, err)
		return store.EditRequest{}, serverError("could not resolve edit request")
	}
	if !ok {
		return store.EditRequest{}, notFound("edit request not found or already resolved")
	}

	e.mu.Lock()
	resolved := encode(map[string]any{
		"type":       EvtEditRequestResolved,
		"requestId":  req.ID,
		"sheetId":    req.SheetID,
		"status":     req.Status,
		"resolvedBy": actor.DisplayName,
		"request":    requestPayload(req),
	})
	if r := e.rooms.get(req.SheetID); r != nil {
		for _, member := range r.members {
			e.deliver(member, resolved)
		}
		if approved {
			grant := encode(map[string]any{
				"type":           EvtGrantTempAccess,
				"sheetId":        req.SheetID,
				"rowIndex":       req.RowIndex,
				"columnName":     req.ColumnName,
				"cellRef":        req.CellRef,
				"grantExpiresAt": req.GrantExpiresAt,
			})
			for _, member := range r.members {
				if member.User.UserID == req.RequesterID {
					e.deliver(member, grant)
				}
			}
		}
	}
	e.mu.Unlock()

	if approved && req.ProposedValue != nil {
		requester := Identity{
			UserID:      req.RequesterID,
			DisplayName: req.RequesterName,
			Role:        req.RequesterRole,
			Department:  req.RequesterDepartment,
		}
		e.applyCellUpdate(ctx, requester, "", req.SheetID, req.RowIndex, req.ColumnName, *req.ProposedValue)
	}

	e.audit(ctx, "edit_request.resolved", actor, req.SheetID, map[string]any{
		"requestId": req.ID,
		"status":    req.Status,
	})
	return req, nil
}

// ---------------------------------------------------------------------------
// Helpers

func requestPayload(req store.EditRequest) map[string]any {
	payload := map[string]any{
		"id":                  req.ID,
		"sheetId":             req.SheetID,
		"rowIndex":            req.RowIndex,
		"columnName":          req.ColumnName,
		"cellRef":             req.CellRef,
		"currentValue":        req.CurrentValue,
		"requesterId":         req.RequesterID,
		"requesterName":       req.RequesterName,
		"requesterRole":       req.RequesterRole,
		"requesterDepartment": req.RequesterDepartment,
		"status":              req.Status,
	}
	if req.ProposedValue != nil {
		payload["proposedValue"] = *req.ProposedValue
	}
	if req.RejectReason != "" {
		payload["rejectReason"] = req.RejectReason
	}
	if req.GrantExpiresAt != nil {
		payload["grantExpiresAt"] = *req.GrantExpiresAt
	}
	return payload
}

func encode(payload map[string]any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("collab: encode event: %v", err)
		return nil
	}
	return data
}

// deliver enqueues without blocking; a slow consumer loses messages rather
// than stalling the room. Caller holds e.mu.
func (e *Engine) deliver(sess *Session, payload []byte) {
	if payload == nil {
		return
	}
	select {
	case sess.send <- payload:
	default:
		log.Printf("collab: send buffer full, dropping message for conn %s", sess.ConnID)
	}
}

// SendError reports a recoverable failure to one session; the connection
// stays open.
func (e *Engine) SendError(sess *Session, code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliver(sess, encode(map[string]any{
		"type":    EvtError,
		"code":    code,
		"message": message,
	}))
}

func (e *Engine) audit(ctx context.Context, eventType string, actor Identity, sheetID string, payload map[string]any) {
	err := e.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType: eventType,
		ActorID:   actor.UserID,
		ActorName: actor.DisplayName,
		SheetID:   sheetID,
		Payload:   payload,
	})
	if err != nil {
		log.Printf("collab: audit %s: %v", eventType, err)
	}
}
