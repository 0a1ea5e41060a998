package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gridbook/api/internal/store"
)

// fakeStore is an in-memory Store with per-method failure switches.
type fakeStore struct {
	mu sync.Mutex

	cells    map[string]string // sheetID/rowIndex/column -> value
	fileRows map[string]map[string]string
	rowLocks map[string]store.RowLock // resourceID/rowID -> lock
	requests map[string]store.EditRequest
	sessions map[string]bool // sheetID/userID -> active
	audits   []store.AuditEvent

	failUpsertCell bool
	failPutLock    bool
	failInsertReq  bool
	failResolveReq bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cells:    make(map[string]string),
		fileRows: make(map[string]map[string]string),
		rowLocks: make(map[string]store.RowLock),
		requests: make(map[string]store.EditRequest),
		sessions: make(map[string]bool),
	}
}

func cellKey(sheetID string, rowIndex int, column string) string {
	return fmt.Sprintf("%s/%d/%s", sheetID, rowIndex, column)
}

func (f *fakeStore) UpsertSheetRowCell(_ context.Context, sheetID string, rowIndex int, column, value, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsertCell {
		return errors.New("db down")
	}
	f.cells[cellKey(sheetID, rowIndex, column)] = value
	return nil
}

func (f *fakeStore) MergeFileRow(_ context.Context, fileID, rowID string, values map[string]string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fileID + "/" + rowID
	row := f.fileRows[key]
	if row == nil {
		row = make(map[string]string)
		f.fileRows[key] = row
	}
	for k, v := range values {
		row[k] = v
	}
	return nil
}

func (f *fakeStore) GetRowLock(_ context.Context, resourceID, rowID string) (*store.RowLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.rowLocks[resourceID+"/"+rowID]
	if !ok || !lock.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	out := lock
	return &out, nil
}

func (f *fakeStore) PutRowLock(_ context.Context, lock store.RowLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPutLock {
		return errors.New("db down")
	}
	f.rowLocks[lock.ResourceID+"/"+lock.RowID] = lock
	return nil
}

func (f *fakeStore) DeleteRowLock(_ context.Context, resourceID, rowID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := resourceID + "/" + rowID
	if lock, ok := f.rowLocks[key]; ok && lock.UserID == userID {
		delete(f.rowLocks, key)
	}
	return nil
}

func (f *fakeStore) DeleteUserRowLocks(_ context.Context, resourceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, lock := range f.rowLocks {
		if lock.ResourceID == resourceID && lock.UserID == userID {
			delete(f.rowLocks, key)
		}
	}
	return nil
}

func (f *fakeStore) ListRowLocks(_ context.Context, resourceID string) ([]store.RowLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RowLock
	now := time.Now()
	for _, lock := range f.rowLocks {
		if lock.ResourceID == resourceID && lock.ExpiresAt.After(now) {
			out = append(out, lock)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteExpiredRowLocks(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for key, lock := range f.rowLocks {
		if !lock.ExpiresAt.After(now) {
			delete(f.rowLocks, key)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteExpiredSheetLocks(_ context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeStore) DeletePendingEditRequest(_ context.Context, sheetID string, rowIndex int, columnName, requesterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, req := range f.requests {
		if req.Status == store.EditRequestPending &&
			req.SheetID == sheetID && req.RowIndex == rowIndex &&
			req.ColumnName == columnName && req.RequesterID == requesterID {
			delete(f.requests, id)
		}
	}
	return nil
}

func (f *fakeStore) InsertEditRequest(_ context.Context, req store.EditRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsertReq {
		return errors.New("db down")
	}
	f.requests[req.ID] = req
	return nil
}

func (f *fakeStore) ResolveEditRequest(_ context.Context, requestID, status, resolvedBy, rejectReason string, grantExpiresAt *time.Time) (store.EditRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failResolveReq {
		return store.EditRequest{}, false, errors.New("db down")
	}
	req, ok := f.requests[requestID]
	if !ok || req.Status != store.EditRequestPending {
		return store.EditRequest{}, false, nil
	}
	now := time.Now()
	req.Status = status
	req.ResolvedBy = resolvedBy
	req.ResolvedAt = &now
	req.RejectReason = rejectReason
	req.GrantExpiresAt = grantExpiresAt
	f.requests[requestID] = req
	return req, true, nil
}

func (f *fakeStore) UpsertEditSession(_ context.Context, sheetID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sheetID+"/"+userID] = true
	return nil
}

func (f *fakeStore) EndEditSession(_ context.Context, sheetID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sheetID+"/"+userID] = false
	return nil
}

func (f *fakeStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.Status == store.EditRequestPending {
			n++
		}
	}
	return n
}

func (f *fakeStore) cell(sheetID string, rowIndex int, column string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cells[cellKey(sheetID, rowIndex, column)]
}

// ---------------------------------------------------------------------------

var (
	alice = Identity{UserID: "u1", DisplayName: "Alice", Role: "editor", Department: "ops"}
	bob   = Identity{UserID: "u2", DisplayName: "Bob", Role: "editor", Department: "ops"}
	viera = Identity{UserID: "u3", DisplayName: "Viera", Role: "viewer", Department: "ops"}
	admin = Identity{UserID: "u9", DisplayName: "Root", Role: "admin", Department: "hq"}
)

func newTestEngine() (*Engine, *fakeStore) {
	st := newFakeStore()
	return NewEngine(st, Options{RowLockTTL: time.Minute, GrantTTL: 30 * time.Minute}), st
}

// recv pops the next event from a session's outbox, failing if empty.
func recv(t *testing.T, sess *Session) map[string]any {
	t.Helper()
	select {
	case data := <-sess.Outbox():
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return event
	default:
		t.Fatalf("expected an event for conn %s, outbox empty", sess.ConnID)
		return nil
	}
}

func expectNone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case data := <-sess.Outbox():
		t.Fatalf("unexpected event for conn %s: %s", sess.ConnID, data)
	default:
	}
}

func drain(sess *Session) {
	for {
		select {
		case <-sess.Outbox():
		default:
			return
		}
	}
}

func presenceUsers(t *testing.T, event map[string]any) []any {
	t.Helper()
	if event["type"] != EvtPresenceUpdate {
		t.Fatalf("type = %v, want %s", event["type"], EvtPresenceUpdate)
	}
	users, ok := event["users"].([]any)
	if !ok {
		t.Fatalf("users field missing: %v", event)
	}
	return users
}

func TestJoinSheetPresence(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	if err := e.JoinSheet(ctx, a, "s1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := presenceUsers(t, recv(t, a)); len(got) != 1 {
		t.Fatalf("snapshot after first join has %d users, want 1", len(got))
	}

	b := e.Register("c2", bob)
	if err := e.JoinSheet(ctx, b, "s1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := presenceUsers(t, recv(t, b)); len(got) != 2 {
		t.Fatalf("joiner snapshot has %d users, want 2", len(got))
	}
	if got := presenceUsers(t, recv(t, a)); len(got) != 2 {
		t.Fatalf("broadcast snapshot has %d users, want 2", len(got))
	}

	e.Disconnect(b)
	got := presenceUsers(t, recv(t, a))
	if len(got) != 1 {
		t.Fatalf("after disconnect %d users, want 1", len(got))
	}
	user := got[0].(map[string]any)
	if user["userId"] != "u1" {
		t.Fatalf("remaining user = %v, want u1", user["userId"])
	}
}

func TestJoinSheetDeduplicatesUser(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	tab1 := e.Register("c1", alice)
	tab2 := e.Register("c2", alice)
	e.JoinSheet(ctx, tab1, "s1")
	e.JoinSheet(ctx, tab2, "s1")

	if got := e.PresenceSnapshot("s1"); len(got) != 1 {
		t.Fatalf("presence has %d entries, want 1", len(got))
	}
	if tab1.SheetID != "" {
		t.Fatalf("stale session still bound to sheet %q", tab1.SheetID)
	}
	if tab2.SheetID != "s1" {
		t.Fatalf("live session sheet = %q, want s1", tab2.SheetID)
	}
}

func TestJoinSheetSwitchesRooms(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	drain(a)
	drain(b)

	if err := e.JoinSheet(ctx, b, "s2"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	// s1 members hear the departure before the joiner's own snapshot lands.
	if got := presenceUsers(t, recv(t, a)); len(got) != 1 {
		t.Fatalf("old room has %d users, want 1", len(got))
	}
	event := recv(t, b)
	if event["sheetId"] != "s2" {
		t.Fatalf("joiner snapshot for %v, want s2", event["sheetId"])
	}
	if st.sessions["s1/u2"] {
		t.Fatal("edit session for old sheet still active")
	}
	if !st.sessions["s2/u2"] {
		t.Fatal("edit session for new sheet not recorded")
	}
}

func TestFocusAndBlurBroadcast(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	drain(a)
	drain(b)

	e.FocusCell(a, "s1", "B2")
	event := recv(t, b)
	if event["type"] != EvtCellFocused || event["cellRef"] != "B2" || event["userId"] != "u1" {
		t.Fatalf("unexpected focus event: %v", event)
	}
	expectNone(t, a)

	snap := e.PresenceSnapshot("s1")
	for _, rec := range snap {
		if rec.UserID == "u1" && rec.CellRef != "B2" {
			t.Fatalf("presence cellRef = %q, want B2", rec.CellRef)
		}
	}

	e.BlurCell(a, "s1", "B2")
	event = recv(t, b)
	if event["type"] != EvtCellBlurred || event["cellRef"] != "B2" {
		t.Fatalf("unexpected blur event: %v", event)
	}
}

func TestFocusUnknownRoomIsNoop(t *testing.T) {
	e, _ := newTestEngine()
	a := e.Register("c1", alice)
	e.FocusCell(a, "nope", "A1")
	expectNone(t, a)
}

func TestUpdateCellBroadcastsThenPersists(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	drain(a)
	drain(b)

	if err := e.UpdateCell(ctx, a, "s1", 3, "status", "done"); err != nil {
		t.Fatalf("update: %v", err)
	}
	event := recv(t, b)
	if event["type"] != EvtCellUpdated || event["value"] != "done" || event["updatedBy"] != "Alice" {
		t.Fatalf("unexpected update event: %v", event)
	}
	expectNone(t, a)
	if got := st.cell("s1", 3, "status"); got != "done" {
		t.Fatalf("stored cell = %q, want done", got)
	}
}

func TestUpdateCellPersistFailureStillBroadcasts(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()
	st.failUpsertCell = true

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	drain(a)
	drain(b)

	if err := e.UpdateCell(ctx, a, "s1", 0, "name", "x"); err != nil {
		t.Fatalf("update returned %v, want nil despite persist failure", err)
	}
	if event := recv(t, b); event["type"] != EvtCellUpdated {
		t.Fatalf("collaborator did not receive the update: %v", event)
	}
}

func TestUpdateCellViewerDenied(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	v := e.Register("c1", viera)
	e.JoinSheet(ctx, v, "s1")
	drain(v)

	err := e.UpdateCell(ctx, v, "s1", 0, "name", "x")
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Code != CodePermissionDenied {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
}

func TestSubmitEditRequestNotifiesRoomAndAdmins(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	adm := e.Register("c9", admin)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	e.JoinSheet(ctx, adm, "other") // admin watching a different sheet
	drain(a)
	drain(b)
	drain(adm)

	proposed := "99"
	err := e.SubmitEditRequest(ctx, a, EditRequestInput{
		SheetID: "s1", RowIndex: 2, ColumnName: "qty", CellRef: "C3",
		CurrentValue: "10", ProposedValue: &proposed,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if event := recv(t, a); event["type"] != EvtEditRequestSubmitted {
		t.Fatalf("requester ack = %v", event)
	}
	// The requester is also a room member, so it gets the notification too.
	if event := recv(t, a); event["type"] != EvtEditRequestNotification {
		t.Fatalf("requester notification = %v", event)
	}
	if event := recv(t, b); event["type"] != EvtEditRequestNotification {
		t.Fatalf("room notification = %v", event)
	}
	if event := recv(t, adm); event["type"] != EvtEditRequestNotification {
		t.Fatalf("admin channel notification = %v", event)
	}
	if st.pendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", st.pendingCount())
	}
}

func TestSubmitEditRequestSupersedesPending(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	e.JoinSheet(ctx, a, "s1")
	drain(a)

	input := EditRequestInput{SheetID: "s1", RowIndex: 1, ColumnName: "qty", CellRef: "B2"}
	if err := e.SubmitEditRequest(ctx, a, input); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := e.SubmitEditRequest(ctx, a, input); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if st.pendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1 after supersede", st.pendingCount())
	}
}

func TestSubmitEditRequestAdminDenied(t *testing.T) {
	e, _ := newTestEngine()
	adm := e.Register("c9", admin)

	err := e.SubmitEditRequest(context.Background(), adm, EditRequestInput{
		SheetID: "s1", RowIndex: 0, ColumnName: "qty",
	})
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Code != CodePermissionDenied {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
}

func TestResolveApprovedAppliesProposedValue(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	drain(a)
	drain(b)

	proposed := "42"
	e.SubmitEditRequest(ctx, a, EditRequestInput{
		SheetID: "s1", RowIndex: 4, ColumnName: "qty", CellRef: "B5",
		CurrentValue: "7", ProposedValue: &proposed,
	})
	var requestID string
	for id := range st.requests {
		requestID = id
	}
	drain(a)
	drain(b)

	req, err := e.ResolveEditRequest(ctx, admin, requestID, true, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Status != store.EditRequestApproved {
		t.Fatalf("status = %q, want approved", req.Status)
	}
	if req.GrantExpiresAt == nil || !req.IsActive(time.Now()) {
		t.Fatal("approved request has no live grant")
	}

	// Requester: resolved, grant, then the applied value.
	if event := recv(t, a); event["type"] != EvtEditRequestResolved {
		t.Fatalf("requester event 1 = %v", event)
	}
	if event := recv(t, a); event["type"] != EvtGrantTempAccess {
		t.Fatalf("requester event 2 = %v", event)
	}
	if event := recv(t, a); event["type"] != EvtCellUpdated || event["updatedBy"] != "Alice" {
		t.Fatalf("requester event 3 = %v", event)
	}
	// Other members: resolved and the applied value, no grant.
	if event := recv(t, b); event["type"] != EvtEditRequestResolved {
		t.Fatalf("room event 1 = %v", event)
	}
	if event := recv(t, b); event["type"] != EvtCellUpdated || event["value"] != "42" {
		t.Fatalf("room event 2 = %v", event)
	}
	expectNone(t, b)

	if got := st.cell("s1", 4, "qty"); got != "42" {
		t.Fatalf("stored cell = %q, want 42", got)
	}
}

func TestRequestEditRowIsOneBasedOnTheWire(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s3")
	e.JoinSheet(ctx, b, "s3")
	drain(a)
	drain(b)

	submit := ClientMessage{
		Type:          MsgRequestEdit,
		SheetID:       "s3",
		Row:           intp(2),
		Column:        "Total Quantity",
		ProposedValue: strp("50"),
	}
	if err := e.Dispatch(ctx, a, submit); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Resubmitting the same wire row supersedes, so the stored index is
	// keyed consistently with the conversion.
	if err := e.Dispatch(ctx, a, submit); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if st.pendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", st.pendingCount())
	}
	var requestID string
	for id, req := range st.requests {
		requestID = id
		if req.RowIndex != 1 {
			t.Fatalf("stored rowIndex = %d, want 1 for submitted row 2", req.RowIndex)
		}
	}
	drain(a)
	drain(b)

	if _, err := e.ResolveEditRequest(ctx, admin, requestID, true, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var updated map[string]any
	for {
		event := recv(t, b)
		if event["type"] == EvtCellUpdated {
			updated = event
			break
		}
	}
	if updated["rowIndex"] != float64(1) || updated["value"] != "50" || updated["columnName"] != "Total Quantity" {
		t.Fatalf("cell-updated = %v, want rowIndex 1 for submitted row 2", updated)
	}
	if got := st.cell("s3", 1, "Total Quantity"); got != "50" {
		t.Fatalf("stored cell = %q at index 1, want 50", got)
	}
}

func TestResolveRejected(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	e.JoinSheet(ctx, a, "s1")
	drain(a)
	e.SubmitEditRequest(ctx, a, EditRequestInput{SheetID: "s1", RowIndex: 0, ColumnName: "qty"})
	var requestID string
	for id := range st.requests {
		requestID = id
	}
	drain(a)

	req, err := e.ResolveEditRequest(ctx, admin, requestID, false, "not yours")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Status != store.EditRequestRejected || req.RejectReason != "not yours" {
		t.Fatalf("unexpected resolved request: %+v", req)
	}
	if req.GrantExpiresAt != nil {
		t.Fatal("rejected request carries a grant")
	}
	if event := recv(t, a); event["type"] != EvtEditRequestResolved {
		t.Fatalf("event = %v", event)
	}
	expectNone(t, a)
}

func TestResolveIsAtMostOnce(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	e.JoinSheet(ctx, a, "s1")
	drain(a)
	e.SubmitEditRequest(ctx, a, EditRequestInput{SheetID: "s1", RowIndex: 0, ColumnName: "qty"})
	var requestID string
	for id := range st.requests {
		requestID = id
	}

	if _, err := e.ResolveEditRequest(ctx, admin, requestID, false, "no"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := e.ResolveEditRequest(ctx, admin, requestID, true, "")
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Code != CodeNotFound {
		t.Fatalf("second resolve err = %v, want NOT_FOUND", err)
	}
}

func TestResolveRequiresAdmin(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.ResolveEditRequest(context.Background(), bob, "ereq_x", true, "")
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Code != CodePermissionDenied {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
}

func TestBroadcastSheetSaved(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	a := e.Register("c1", alice)
	b := e.Register("c2", bob)
	e.JoinSheet(ctx, a, "s1")
	e.JoinSheet(ctx, b, "s1")
	drain(a)
	drain(b)

	e.BroadcastSheetSaved("s1", "Root")
	for _, sess := range []*Session{a, b} {
		event := recv(t, sess)
		if event["type"] != EvtSheetSaved || event["savedBy"] != "Root" {
			t.Fatalf("unexpected saved event: %v", event)
		}
	}
}

func TestDispatchRejectsUnknownType(t *testing.T) {
	e, _ := newTestEngine()
	a := e.Register("c1", alice)

	err := e.Dispatch(context.Background(), a, ClientMessage{Type: "frobnicate"})
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Code != CodeValidation {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	a := e.Register("c1", alice)
	e.JoinSheet(context.Background(), a, "s1")

	e.Disconnect(a)
	e.Disconnect(a)
	if got := e.PresenceSnapshot("s1"); len(got) != 0 {
		t.Fatalf("presence has %d entries after disconnect, want 0", len(got))
	}
}
