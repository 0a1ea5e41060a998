package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, department
		FROM users WHERE email = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.Department)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, department
		FROM users WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.Department)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, department)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.Department)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.role, u.department
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Role, &user.Department)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sheets

func (s *PostgresStore) ListSheets(ctx context.Context) ([]Sheet, error) {
	const query = `
		SELECT id, name, department, COALESCE(last_modified_by, ''), last_modified_at, created_at
		FROM sheets ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()

	var sheets []Sheet
	for rows.Next() {
		var sheet Sheet
		if err := rows.Scan(&sheet.ID, &sheet.Name, &sheet.Department, &sheet.LastModifiedBy, &sheet.LastModifiedAt, &sheet.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		sheets = append(sheets, sheet)
	}
	return sheets, rows.Err()
}

func (s *PostgresStore) GetSheet(ctx context.Context, sheetID string) (Sheet, error) {
	const query = `
		SELECT id, name, department, COALESCE(last_modified_by, ''), last_modified_at, created_at
		FROM sheets WHERE id = $1
	`
	var sheet Sheet
	err := s.db.QueryRowContext(ctx, query, sheetID).Scan(
		&sheet.ID, &sheet.Name, &sheet.Department, &sheet.LastModifiedBy, &sheet.LastModifiedAt, &sheet.CreatedAt)
	if err != nil {
		return Sheet{}, err
	}
	return sheet, nil
}

func (s *PostgresStore) InsertSheet(ctx context.Context, sheet Sheet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sheets (id, name, department, last_modified_by)
		VALUES ($1, $2, $3, $4)
	`, sheet.ID, sheet.Name, sheet.Department, sheet.LastModifiedBy)
	if err != nil {
		return fmt.Errorf("insert sheet: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSheetRows(ctx context.Context, sheetID string) ([]SheetRow, error) {
	const query = `SELECT sheet_id, row_index, data FROM sheet_rows WHERE sheet_id = $1 ORDER BY row_index`
	rows, err := s.db.QueryContext(ctx, query, sheetID)
	if err != nil {
		return nil, fmt.Errorf("list sheet rows: %w", err)
	}
	defer rows.Close()

	var out []SheetRow
	for rows.Next() {
		var row SheetRow
		var raw []byte
		if err := rows.Scan(&row.SheetID, &row.RowIndex, &raw); err != nil {
			return nil, fmt.Errorf("scan sheet row: %w", err)
		}
		if err := json.Unmarshal(raw, &row.Data); err != nil {
			return nil, fmt.Errorf("decode row data: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReplaceSheetRows swaps the full row set for a sheet in one transaction.
// Used by the bulk-save path, not by single-cell propagation.
func (s *PostgresStore) ReplaceSheetRows(ctx context.Context, sheetID string, rows []SheetRow, updatedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace rows: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sheet_rows WHERE sheet_id = $1`, sheetID); err != nil {
		return fmt.Errorf("clear sheet rows: %w", err)
	}
	for _, row := range rows {
		raw, err := json.Marshal(row.Data)
		if err != nil {
			return fmt.Errorf("encode row data: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sheet_rows (sheet_id, row_index, data) VALUES ($1, $2, $3)
		`, sheetID, row.RowIndex, raw); err != nil {
			return fmt.Errorf("insert sheet row: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sheets SET last_modified_by=$2, last_modified_at=NOW() WHERE id=$1
	`, sheetID, updatedBy); err != nil {
		return fmt.Errorf("stamp sheet: %w", err)
	}
	return tx.Commit()
}

// UpsertSheetRowCell merges a single changed column into the row document,
// creating the document when absent, and stamps the sheet's last-modified
// fields. The whole row is never overwritten.
func (s *PostgresStore) UpsertSheetRowCell(ctx context.Context, sheetID string, rowIndex int, column, value, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sheet_rows (sheet_id, row_index, data)
		VALUES ($1, $2, jsonb_build_object($3::text, $4::text))
		ON CONFLICT (sheet_id, row_index) DO UPDATE SET data = sheet_rows.data || EXCLUDED.data
	`, sheetID, rowIndex, column, value)
	if err != nil {
		return fmt.Errorf("upsert cell: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET last_modified_by=$2, last_modified_at=NOW() WHERE id=$1
	`, sheetID, updatedBy); err != nil {
		return fmt.Errorf("stamp sheet: %w", err)
	}
	return nil
}

// MergeFileRow is the legacy row-data path: merges a map of column values
// into the file-scoped row document.
func (s *PostgresStore) MergeFileRow(ctx context.Context, fileID, rowID string, values map[string]string, updatedBy string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode row values: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO file_rows (file_id, row_id, data, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id, row_id) DO UPDATE SET data = file_rows.data || EXCLUDED.data, updated_by = EXCLUDED.updated_by
	`, fileID, rowID, raw, updatedBy)
	if err != nil {
		return fmt.Errorf("merge file row: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row locks

// GetRowLock returns the current non-expired lock for (resource, row),
// or nil when the row is unlocked. An expired lock is treated as absent.
func (s *PostgresStore) GetRowLock(ctx context.Context, resourceID, rowID string) (*RowLock, error) {
	const query = `
		SELECT resource_id, row_id, user_id, user_name, created_at, expires_at
		FROM row_locks
		WHERE resource_id = $1 AND row_id = $2 AND expires_at > NOW()
	`
	var lock RowLock
	err := s.db.QueryRowContext(ctx, query, resourceID, rowID).Scan(
		&lock.ResourceID, &lock.RowID, &lock.UserID, &lock.UserName, &lock.CreatedAt, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get row lock: %w", err)
	}
	return &lock, nil
}

// PutRowLock creates or refreshes the lock. The upsert also claims rows whose
// previous lock has expired but has not been swept yet.
func (s *PostgresStore) PutRowLock(ctx context.Context, lock RowLock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO row_locks (resource_id, row_id, user_id, user_name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (resource_id, row_id) DO UPDATE
			SET user_id=EXCLUDED.user_id, user_name=EXCLUDED.user_name, created_at=NOW(), expires_at=EXCLUDED.expires_at
	`, lock.ResourceID, lock.RowID, lock.UserID, lock.UserName, lock.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put row lock: %w", err)
	}
	return nil
}

// DeleteRowLock releases a lock only when held by the given user.
func (s *PostgresStore) DeleteRowLock(ctx context.Context, resourceID, rowID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM row_locks WHERE resource_id=$1 AND row_id=$2 AND user_id=$3
	`, resourceID, rowID, userID)
	if err != nil {
		return fmt.Errorf("delete row lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUserRowLocks(ctx context.Context, resourceID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM row_locks WHERE resource_id=$1 AND user_id=$2
	`, resourceID, userID)
	if err != nil {
		return fmt.Errorf("delete user row locks: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRowLocks(ctx context.Context, resourceID string) ([]RowLock, error) {
	const query = `
		SELECT resource_id, row_id, user_id, user_name, created_at, expires_at
		FROM row_locks
		WHERE resource_id = $1 AND expires_at > NOW()
		ORDER BY row_id
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list row locks: %w", err)
	}
	defer rows.Close()

	var locks []RowLock
	for rows.Next() {
		var lock RowLock
		if err := rows.Scan(&lock.ResourceID, &lock.RowID, &lock.UserID, &lock.UserName, &lock.CreatedAt, &lock.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan row lock: %w", err)
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func (s *PostgresStore) DeleteExpiredRowLocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM row_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired row locks: %w", err)
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// Sheet locks

func (s *PostgresStore) GetSheetLock(ctx context.Context, sheetID string) (*SheetLock, error) {
	const query = `
		SELECT sheet_id, user_id, user_name, created_at, expires_at
		FROM sheet_locks WHERE sheet_id = $1 AND expires_at > NOW()
	`
	var lock SheetLock
	err := s.db.QueryRowContext(ctx, query, sheetID).Scan(
		&lock.SheetID, &lock.UserID, &lock.UserName, &lock.CreatedAt, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sheet lock: %w", err)
	}
	return &lock, nil
}

func (s *PostgresStore) PutSheetLock(ctx context.Context, lock SheetLock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sheet_locks (sheet_id, user_id, user_name, created_at, expires_at)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (sheet_id) DO UPDATE
			SET user_id=EXCLUDED.user_id, user_name=EXCLUDED.user_name, created_at=NOW(), expires_at=EXCLUDED.expires_at
	`, lock.SheetID, lock.UserID, lock.UserName, lock.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put sheet lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSheetLock(ctx context.Context, sheetID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sheet_locks WHERE sheet_id=$1 AND user_id=$2`, sheetID, userID)
	if err != nil {
		return fmt.Errorf("delete sheet lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredSheetLocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sheet_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sheet locks: %w", err)
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// Edit requests

// DeletePendingEditRequest removes any pending request for the same cell by
// the same requester; submitting again supersedes the earlier ask.
func (s *PostgresStore) DeletePendingEditRequest(ctx context.Context, sheetID string, rowIndex int, columnName, requesterID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM edit_requests
		WHERE sheet_id=$1 AND row_index=$2 AND column_name=$3 AND requester_id=$4 AND status='pending'
	`, sheetID, rowIndex, columnName, requesterID)
	if err != nil {
		return fmt.Errorf("delete pending edit request: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEditRequest(ctx context.Context, req EditRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_requests (
			id, sheet_id, row_index, column_name, cell_ref,
			current_value, proposed_value,
			requester_id, requester_name, requester_role, requester_department,
			status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending')
	`, req.ID, req.SheetID, req.RowIndex, req.ColumnName, req.CellRef,
		req.CurrentValue, req.ProposedValue,
		req.RequesterID, req.RequesterName, req.RequesterRole, req.RequesterDepartment)
	if err != nil {
		return fmt.Errorf("insert edit request: %w", err)
	}
	return nil
}

// ResolveEditRequest performs the single terminal transition out of pending.
// The status guard makes resolution at-most-once under concurrent attempts;
// ok is false when the request does not exist or was already resolved.
func (s *PostgresStore) ResolveEditRequest(ctx context.Context, requestID, status, resolvedBy, rejectReason string, grantExpiresAt *time.Time) (EditRequest, bool, error) {
	const query = `
		UPDATE edit_requests
		SET status=$2, resolved_by=$3, resolved_at=NOW(), reject_reason=$4, grant_expires_at=$5
		WHERE id=$1 AND status='pending'
		RETURNING id, sheet_id, row_index, column_name, cell_ref,
			current_value, proposed_value,
			requester_id, requester_name, requester_role, requester_department,
			status, COALESCE(resolved_by, ''), resolved_at, COALESCE(reject_reason, ''), grant_expires_at, created_at
	`
	var req EditRequest
	err := s.db.QueryRowContext(ctx, query, requestID, status, resolvedBy, rejectReason, grantExpiresAt).Scan(
		&req.ID, &req.SheetID, &req.RowIndex, &req.ColumnName, &req.CellRef,
		&req.CurrentValue, &req.ProposedValue,
		&req.RequesterID, &req.RequesterName, &req.RequesterRole, &req.RequesterDepartment,
		&req.Status, &req.ResolvedBy, &req.ResolvedAt, &req.RejectReason, &req.GrantExpiresAt, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EditRequest{}, false, nil
	}
	if err != nil {
		return EditRequest{}, false, fmt.Errorf("resolve edit request: %w", err)
	}
	return req, true, nil
}

func (s *PostgresStore) ListEditRequestsByStatus(ctx context.Context, status string) ([]EditRequest, error) {
	const query = `
		SELECT id, sheet_id, row_index, column_name, cell_ref,
			current_value, proposed_value,
			requester_id, requester_name, requester_role, requester_department,
			status, COALESCE(resolved_by, ''), resolved_at, COALESCE(reject_reason, ''), grant_expires_at, created_at
		FROM edit_requests WHERE status = $1 ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("list edit requests: %w", err)
	}
	defer rows.Close()

	var requests []EditRequest
	for rows.Next() {
		var req EditRequest
		if err := rows.Scan(
			&req.ID, &req.SheetID, &req.RowIndex, &req.ColumnName, &req.CellRef,
			&req.CurrentValue, &req.ProposedValue,
			&req.RequesterID, &req.RequesterName, &req.RequesterRole, &req.RequesterDepartment,
			&req.Status, &req.ResolvedBy, &req.ResolvedAt, &req.RejectReason, &req.GrantExpiresAt, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// ---------------------------------------------------------------------------
// Edit-session heartbeats

func (s *PostgresStore) UpsertEditSession(ctx context.Context, sheetID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_sessions (sheet_id, user_id, last_activity, active)
		VALUES ($1, $2, NOW(), TRUE)
		ON CONFLICT (sheet_id, user_id) DO UPDATE SET last_activity=NOW(), active=TRUE
	`, sheetID, userID)
	if err != nil {
		return fmt.Errorf("upsert edit session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndEditSession(ctx context.Context, sheetID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE edit_sessions SET active=FALSE, last_activity=NOW() WHERE sheet_id=$1 AND user_id=$2
	`, sheetID, userID)
	if err != nil {
		return fmt.Errorf("end edit session: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor_id, actor_name, sheet_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, event.EventType, event.ActorID, event.ActorName, event.SheetID, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
