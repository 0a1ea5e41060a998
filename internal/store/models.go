package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	Department   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Sheet struct {
	ID             string
	Name           string
	Department     string
	LastModifiedBy string
	LastModifiedAt time.Time
	CreatedAt      time.Time
}

// SheetRow is one row document; Data maps column name to cell value.
type SheetRow struct {
	SheetID  string
	RowIndex int
	Data     map[string]string
}

// RowLock is an exclusive, time-limited claim on a row of a resource
// (legacy file path). At most one non-expired lock exists per
// (resource, row) pair.
type RowLock struct {
	ResourceID string
	RowID      string
	UserID     string
	UserName   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type SheetLock struct {
	SheetID   string
	UserID    string
	UserName  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

const (
	EditRequestPending  = "pending"
	EditRequestApproved = "approved"
	EditRequestRejected = "rejected"
)

// EditRequest asks an admin for permission to modify a policy-locked cell.
// Transitions exactly once out of pending; resolved records are immutable.
type EditRequest struct {
	ID                  string
	SheetID             string
	RowIndex            int
	ColumnName          string
	CellRef             string
	CurrentValue        string
	ProposedValue       *string
	RequesterID         string
	RequesterName       string
	RequesterRole       string
	RequesterDepartment string
	Status              string
	ResolvedBy          string
	ResolvedAt          *time.Time
	RejectReason        string
	GrantExpiresAt      *time.Time
	CreatedAt           time.Time
}

// IsActive reports whether an approval grant is still live. Grant expiry is
// advisory: it is evaluated by readers, never enforced by a timer.
func (r EditRequest) IsActive(now time.Time) bool {
	return r.Status == EditRequestApproved && r.GrantExpiresAt != nil && now.Before(*r.GrantExpiresAt)
}

type EditSession struct {
	SheetID      string
	UserID       string
	LastActivity time.Time
	Active       bool
}

type AuditEvent struct {
	ID        int64
	EventType string
	ActorID   string
	ActorName string
	SheetID   string
	Payload   map[string]any
	CreatedAt time.Time
}
