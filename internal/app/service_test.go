package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"gridbook/api/internal/collab"
	"gridbook/api/internal/config"
	"gridbook/api/internal/store"
)

type fakeStore struct {
	getUserByEmailFn   func(context.Context, string) (store.User, error)
	getUserByIDFn      func(context.Context, string) (store.User, error)
	createUserFn       func(context.Context, store.User) error
	listSheetsFn       func(context.Context) ([]store.Sheet, error)
	getSheetFn         func(context.Context, string) (store.Sheet, error)
	insertSheetFn      func(context.Context, store.Sheet) error
	listSheetRowsFn    func(context.Context, string) ([]store.SheetRow, error)
	replaceSheetRowsFn func(context.Context, string, []store.SheetRow, string) error
	getSheetLockFn     func(context.Context, string) (*store.SheetLock, error)
	putSheetLockFn     func(context.Context, store.SheetLock) error
	deleteSheetLockFn  func(context.Context, string, string) error
	listEditRequestsFn func(context.Context, string) ([]store.EditRequest, error)
	insertAuditFn      func(context.Context, store.AuditEvent) error
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) ListSheets(ctx context.Context) ([]store.Sheet, error) {
	if f.listSheetsFn != nil {
		return f.listSheetsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) GetSheet(ctx context.Context, sheetID string) (store.Sheet, error) {
	if f.getSheetFn != nil {
		return f.getSheetFn(ctx, sheetID)
	}
	return store.Sheet{ID: sheetID}, nil
}

func (f *fakeStore) InsertSheet(ctx context.Context, sheet store.Sheet) error {
	if f.insertSheetFn != nil {
		return f.insertSheetFn(ctx, sheet)
	}
	return nil
}

func (f *fakeStore) ListSheetRows(ctx context.Context, sheetID string) ([]store.SheetRow, error) {
	if f.listSheetRowsFn != nil {
		return f.listSheetRowsFn(ctx, sheetID)
	}
	return nil, nil
}

func (f *fakeStore) ReplaceSheetRows(ctx context.Context, sheetID string, rows []store.SheetRow, updatedBy string) error {
	if f.replaceSheetRowsFn != nil {
		return f.replaceSheetRowsFn(ctx, sheetID, rows, updatedBy)
	}
	return nil
}

func (f *fakeStore) GetSheetLock(ctx context.Context, sheetID string) (*store.SheetLock, error) {
	if f.getSheetLockFn != nil {
		return f.getSheetLockFn(ctx, sheetID)
	}
	return nil, nil
}

func (f *fakeStore) PutSheetLock(ctx context.Context, lock store.SheetLock) error {
	if f.putSheetLockFn != nil {
		return f.putSheetLockFn(ctx, lock)
	}
	return nil
}

func (f *fakeStore) DeleteSheetLock(ctx context.Context, sheetID, userID string) error {
	if f.deleteSheetLockFn != nil {
		return f.deleteSheetLockFn(ctx, sheetID, userID)
	}
	return nil
}

func (f *fakeStore) ListEditRequestsByStatus(ctx context.Context, status string) ([]store.EditRequest, error) {
	if f.listEditRequestsFn != nil {
		return f.listEditRequestsFn(ctx, status)
	}
	return nil, nil
}

func (f *fakeStore) InsertAuditEvent(ctx context.Context, event store.AuditEvent) error {
	if f.insertAuditFn != nil {
		return f.insertAuditFn(ctx, event)
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// fakeSessions is an in-memory refresh token store.
type fakeSessions struct {
	tokens map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.tokens[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.tokens[tokenHash]
	if !ok {
		return store.User{}, errors.New("token not found or expired")
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.tokens, tokenHash)
	return nil
}

type fakeRealtime struct {
	savedSheetID string
	savedBy      string
	resolveFn    func(context.Context, collab.Identity, string, bool, string) (store.EditRequest, error)
}

func (f *fakeRealtime) BroadcastSheetSaved(sheetID, savedBy string) {
	f.savedSheetID = sheetID
	f.savedBy = savedBy
}

func (f *fakeRealtime) ResolveEditRequest(ctx context.Context, actor collab.Identity, requestID string, approved bool, rejectReason string) (store.EditRequest, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, actor, requestID, approved, rejectReason)
	}
	return store.EditRequest{ID: requestID, Status: store.EditRequestApproved}, nil
}

func newTestService(fs *fakeStore, rt realtime) *Service {
	if rt == nil {
		rt = &fakeRealtime{}
	}
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		RowLockTTL: 5 * time.Minute,
	}
	return New(cfg, fs, newFakeSessions(), rt)
}

func editorSession() Session {
	return Session{UserID: "user-1", UserName: "Avery", Role: "editor", Department: "ops"}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	first, err := svc.issueSession(context.Background(), store.User{
		ID: "user-1", DisplayName: "Avery", Role: "editor", Department: "ops",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if second.UserName != "Avery" || second.Role != "editor" || second.Department != "ops" {
		t.Fatalf("identity not carried through refresh: %+v", second)
	}

	// The first refresh token is now revoked.
	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("expected old refresh token to be rejected")
	}
}

func TestSessionFromTokenCarriesDepartment(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	issued, err := svc.issueSession(context.Background(), store.User{
		ID: "user-1", DisplayName: "Avery", Role: "editor", Department: "ops",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	session, err := svc.SessionFromToken(issued.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if session.Department != "ops" || session.UserID != "user-1" {
		t.Fatalf("claims not round-tripped: %+v", session)
	}
}

func TestSaveSheetRowsConflictsWhenLockedByOther(t *testing.T) {
	fs := &fakeStore{
		getSheetLockFn: func(context.Context, string) (*store.SheetLock, error) {
			return &store.SheetLock{SheetID: "s1", UserID: "user-2", UserName: "Blake"}, nil
		},
	}
	svc := newTestService(fs, nil)

	err := svc.SaveSheetRows(context.Background(), editorSession(), "s1", nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("err = %v, want 409 conflict", err)
	}
	if domainErr.Code != "SHEET_LOCKED" {
		t.Fatalf("code = %s, want SHEET_LOCKED", domainErr.Code)
	}
}

func TestSaveSheetRowsBroadcastsAndReleasesLock(t *testing.T) {
	var locked, released bool
	var replaced []store.SheetRow
	fs := &fakeStore{
		putSheetLockFn: func(_ context.Context, lock store.SheetLock) error {
			locked = true
			if lock.UserID != "user-1" {
				t.Fatalf("lock holder = %s", lock.UserID)
			}
			return nil
		},
		deleteSheetLockFn: func(_ context.Context, _, userID string) error {
			released = true
			return nil
		},
		replaceSheetRowsFn: func(_ context.Context, _ string, rows []store.SheetRow, updatedBy string) error {
			replaced = rows
			if updatedBy != "Avery" {
				t.Fatalf("updatedBy = %s", updatedBy)
			}
			return nil
		},
	}
	rt := &fakeRealtime{}
	svc := newTestService(fs, rt)

	rows := []store.SheetRow{{SheetID: "s1", RowIndex: 0, Data: map[string]string{"a": "1"}}}
	if err := svc.SaveSheetRows(context.Background(), editorSession(), "s1", rows); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !locked || !released {
		t.Fatalf("lock lifecycle incomplete: locked=%v released=%v", locked, released)
	}
	if len(replaced) != 1 {
		t.Fatalf("replaced %d rows, want 1", len(replaced))
	}
	if rt.savedSheetID != "s1" || rt.savedBy != "Avery" {
		t.Fatalf("broadcast = %s/%s", rt.savedSheetID, rt.savedBy)
	}
}

func TestSaveSheetRowsSelfLockIsReentrant(t *testing.T) {
	fs := &fakeStore{
		getSheetLockFn: func(context.Context, string) (*store.SheetLock, error) {
			return &store.SheetLock{SheetID: "s1", UserID: "user-1", UserName: "Avery"}, nil
		},
	}
	svc := newTestService(fs, nil)
	if err := svc.SaveSheetRows(context.Background(), editorSession(), "s1", nil); err != nil {
		t.Fatalf("save under own lock: %v", err)
	}
}

func TestResolveEditRequestDelegatesToEngine(t *testing.T) {
	var gotActor collab.Identity
	var gotApproved bool
	rt := &fakeRealtime{
		resolveFn: func(_ context.Context, actor collab.Identity, requestID string, approved bool, _ string) (store.EditRequest, error) {
			gotActor = actor
			gotApproved = approved
			return store.EditRequest{ID: requestID, Status: store.EditRequestApproved}, nil
		},
	}
	svc := newTestService(&fakeStore{}, rt)

	session := Session{UserID: "adm-1", UserName: "Root", Role: "admin", Department: "hq"}
	result, err := svc.ResolveEditRequest(context.Background(), session, "ereq_1", true, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result["status"] != store.EditRequestApproved {
		t.Fatalf("status = %v", result["status"])
	}
	if gotActor.UserID != "adm-1" || gotActor.Role != "admin" || !gotApproved {
		t.Fatalf("engine got actor=%+v approved=%v", gotActor, gotApproved)
	}
}
