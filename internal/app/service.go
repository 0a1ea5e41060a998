// Package app wires the HTTP surface to the stores and the collaboration
// engine.
package app

import (
	"context"
	"net/http"
	"time"

	"gridbook/api/internal/auth"
	"gridbook/api/internal/authpw"
	"gridbook/api/internal/collab"
	"gridbook/api/internal/config"
	"gridbook/api/internal/rbac"
	"gridbook/api/internal/store"
	"gridbook/api/internal/util"
)

type dataStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error

	ListSheets(ctx context.Context) ([]store.Sheet, error)
	GetSheet(ctx context.Context, sheetID string) (store.Sheet, error)
	InsertSheet(ctx context.Context, sheet store.Sheet) error
	ListSheetRows(ctx context.Context, sheetID string) ([]store.SheetRow, error)
	ReplaceSheetRows(ctx context.Context, sheetID string, rows []store.SheetRow, updatedBy string) error

	GetSheetLock(ctx context.Context, sheetID string) (*store.SheetLock, error)
	PutSheetLock(ctx context.Context, lock store.SheetLock) error
	DeleteSheetLock(ctx context.Context, sheetID, userID string) error

	ListEditRequestsByStatus(ctx context.Context, status string) ([]store.EditRequest, error)
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error

	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens. Redis-backed in production, with the
// Postgres store as the fallback; both snapshot the user's identity.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// realtime is the slice of the collaboration engine the REST surface needs.
type realtime interface {
	BroadcastSheetSaved(sheetID, savedBy string)
	ResolveEditRequest(ctx context.Context, actor collab.Identity, requestID string, approved bool, rejectReason string) (store.EditRequest, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	authSvc  *authpw.Service
	engine   realtime
}

func New(cfg config.Config, dataStore dataStore, sessions SessionStore, engine realtime) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authSvc:  authpw.NewService(dataStore),
		engine:   engine,
	}
}

// Session is an authenticated caller, reconstructed from token claims on
// every request; no database round trip.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	Department   string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Identity() collab.Identity {
	return collab.Identity{
		UserID:      s.UserID,
		DisplayName: s.UserName,
		Role:        s.Role,
		Department:  s.Department,
	}
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authSvc.SignUp(ctx, req)
	if err != nil {
		return Session{}, validationError(err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authSvc.SignIn(ctx, req)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Dept: user.Department,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		Department:   user.Department,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:      token,
		UserID:     claims.Sub,
		UserName:   claims.Name,
		Role:       claims.Role,
		Department: claims.Dept,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListSheets(ctx context.Context) ([]map[string]any, error) {
	sheets, err := s.store.ListSheets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(sheets))
	for _, sheet := range sheets {
		out = append(out, sheetPayload(sheet))
	}
	return out, nil
}

func (s *Service) CreateSheet(ctx context.Context, session Session, name, department string) (map[string]any, error) {
	if name == "" {
		return nil, validationError("name is required")
	}
	if department == "" {
		department = session.Department
	}
	sheet := store.Sheet{
		ID:             util.NewID("sheet"),
		Name:           name,
		Department:     department,
		LastModifiedBy: session.UserName,
		LastModifiedAt: time.Now(),
		CreatedAt:      time.Now(),
	}
	if err := s.store.InsertSheet(ctx, sheet); err != nil {
		return nil, err
	}
	s.audit(ctx, "sheet.created", session, sheet.ID, map[string]any{"name": name})
	return sheetPayload(sheet), nil
}

// GetSheetWithRows is the full-reload path clients use after a sheet-saved
// event or a reconnect.
func (s *Service) GetSheetWithRows(ctx context.Context, sheetID string) (map[string]any, error) {
	sheet, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListSheetRows(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	rowsOut := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		rowsOut = append(rowsOut, map[string]any{
			"rowIndex": row.RowIndex,
			"data":     row.Data,
		})
	}
	payload := sheetPayload(sheet)
	payload["rows"] = rowsOut
	return payload, nil
}

// SaveSheetRows replaces a sheet's full contents under a short-lived sheet
// lock; a concurrent save by someone else conflicts instead of interleaving.
// Viewers of the sheet are told to reload afterwards.
func (s *Service) SaveSheetRows(ctx context.Context, session Session, sheetID string, rows []store.SheetRow) error {
	if _, err := s.store.GetSheet(ctx, sheetID); err != nil {
		return err
	}

	current, err := s.store.GetSheetLock(ctx, sheetID)
	if err != nil {
		return err
	}
	if current != nil && current.UserID != session.UserID {
		return conflictError("SHEET_LOCKED", "sheet is being saved by "+current.UserName)
	}

	now := time.Now()
	lock := store.SheetLock{
		SheetID:   sheetID,
		UserID:    session.UserID,
		UserName:  session.UserName,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RowLockTTL),
	}
	if err := s.store.PutSheetLock(ctx, lock); err != nil {
		return err
	}
	defer func() {
		_ = s.store.DeleteSheetLock(context.WithoutCancel(ctx), sheetID, session.UserID)
	}()

	if err := s.store.ReplaceSheetRows(ctx, sheetID, rows, session.UserName); err != nil {
		return err
	}

	s.audit(ctx, "sheet.saved", session, sheetID, map[string]any{"rowCount": len(rows)})
	s.engine.BroadcastSheetSaved(sheetID, session.UserName)
	return nil
}

func (s *Service) ListPendingEditRequests(ctx context.Context) ([]map[string]any, error) {
	requests, err := s.store.ListEditRequestsByStatus(ctx, store.EditRequestPending)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		item := map[string]any{
			"id":            req.ID,
			"sheetId":       req.SheetID,
			"rowIndex":      req.RowIndex,
			"columnName":    req.ColumnName,
			"cellRef":       req.CellRef,
			"currentValue":  req.CurrentValue,
			"requesterId":   req.RequesterID,
			"requesterName": req.RequesterName,
			"status":        req.Status,
			"createdAt":     req.CreatedAt,
		}
		if req.ProposedValue != nil {
			item["proposedValue"] = *req.ProposedValue
		}
		out = append(out, item)
	}
	return out, nil
}

// ResolveEditRequest is the REST fallback for admins without an open
// socket; it delegates to the engine so both surfaces behave identically.
func (s *Service) ResolveEditRequest(ctx context.Context, session Session, requestID string, approved bool, rejectReason string) (map[string]any, error) {
	req, err := s.engine.ResolveEditRequest(ctx, session.Identity(), requestID, approved, rejectReason)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"id":         req.ID,
		"sheetId":    req.SheetID,
		"status":     req.Status,
		"resolvedBy": session.UserName,
	}
	if req.GrantExpiresAt != nil {
		out["grantExpiresAt"] = *req.GrantExpiresAt
	}
	if req.RejectReason != "" {
		out["rejectReason"] = req.RejectReason
	}
	return out, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) audit(ctx context.Context, eventType string, session Session, sheetID string, payload map[string]any) {
	_ = s.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType: eventType,
		ActorID:   session.UserID,
		ActorName: session.UserName,
		SheetID:   sheetID,
		Payload:   payload,
	})
}

func sheetPayload(sheet store.Sheet) map[string]any {
	return map[string]any{
		"id":             sheet.ID,
		"name":           sheet.Name,
		"department":     sheet.Department,
		"lastModifiedBy": sheet.LastModifiedBy,
		"lastModifiedAt": sheet.LastModifiedAt,
		"createdAt":      sheet.CreatedAt,
	}
}
