package collab

// Client-to-server message types.
const (
	MsgJoinSheet          = "join-sheet"
	MsgLeaveSheet         = "leave-sheet"
	MsgCellFocus          = "cell-focus"
	MsgCellBlur           = "cell-blur"
	MsgCellUpdate         = "cell-update"
	MsgRequestEdit        = "request-edit"
	MsgResolveEditRequest = "resolve-edit-request"
	// Legacy file-scoped protocol.
	MsgJoinFile       = "join-file"
	MsgLeaveFile      = "leave-file"
	MsgLockRow        = "lock-row"
	MsgUnlockRow      = "unlock-row"
	MsgUpdateRow      = "update-row"
	MsgCursorPosition = "cursor-position"
)

// Server-to-client event types.
const (
	EvtPresenceUpdate          = "presence-update"
	EvtCellFocused             = "cell-focused"
	EvtCellBlurred             = "cell-blurred"
	EvtCellUpdated             = "cell-updated"
	EvtSheetSaved              = "sheet-saved"
	EvtEditRequestNotification = "edit-request-notification"
	EvtEditRequestSubmitted    = "edit-request-submitted"
	EvtEditRequestResolved     = "edit-request-resolved"
	EvtGrantTempAccess         = "grant-temp-access"
	EvtError                   = "error"
	// Legacy events.
	EvtRowLocked   = "row_locked"
	EvtRowUnlocked = "row_unlocked"
	EvtRowUpdated  = "row_updated"
	EvtUserJoined  = "user_joined"
	EvtUserLeft    = "user_left"
	EvtActiveUsers = "active_users"
	EvtRowLocks    = "row_locks"
	EvtCursorMoved = "cursor_moved"
)

// ClientMessage is the closed union of everything a client may send.
// Unknown types and missing required fields are rejected at the boundary
// before any handler runs.
type ClientMessage struct {
	Type    string `json:"type"`
	SheetID string `json:"sheetId,omitempty"`
	CellRef string `json:"cellRef,omitempty"`

	// cell-update
	RowIndex   *int    `json:"rowIndex,omitempty"`
	ColumnName string  `json:"columnName,omitempty"`
	Value      *string `json:"value,omitempty"`

	// request-edit; Row is 1-based on the wire, unlike RowIndex.
	Row           *int    `json:"row,omitempty"`
	Column        string  `json:"column,omitempty"`
	CurrentValue  string  `json:"currentValue,omitempty"`
	ProposedValue *string `json:"proposedValue,omitempty"`

	// resolve-edit-request
	RequestID    string `json:"requestId,omitempty"`
	Approved     *bool  `json:"approved,omitempty"`
	RejectReason string `json:"rejectReason,omitempty"`

	// legacy file protocol
	FileID string            `json:"fileId,omitempty"`
	RowID  string            `json:"rowId,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

// Validate checks the required fields for the message type.
func (m *ClientMessage) Validate() *OpError {
	switch m.Type {
	case MsgJoinSheet, MsgLeaveSheet:
		if m.SheetID == "" {
			return invalidMessage("sheetId is required")
		}
	case MsgCellFocus, MsgCellBlur:
		if m.SheetID == "" {
			return invalidMessage("sheetId is required")
		}
		if m.CellRef == "" {
			return invalidMessage("cellRef is required")
		}
	case MsgCellUpdate:
		if m.SheetID == "" {
			return invalidMessage("sheetId is required")
		}
		if m.RowIndex == nil || *m.RowIndex < 0 {
			return invalidMessage("rowIndex must be a non-negative integer")
		}
		if m.ColumnName == "" {
			return invalidMessage("columnName is required")
		}
	case MsgRequestEdit:
		if m.SheetID == "" {
			return invalidMessage("sheetId is required")
		}
		if m.Row == nil || *m.Row < 1 {
			return invalidMessage("row must be a positive integer")
		}
		if m.Column == "" {
			return invalidMessage("column is required")
		}
	case MsgResolveEditRequest:
		if m.RequestID == "" {
			return invalidMessage("requestId is required")
		}
		if m.Approved == nil {
			return invalidMessage("approved is required")
		}
	case MsgJoinFile, MsgLeaveFile:
		if m.FileID == "" {
			return invalidMessage("fileId is required")
		}
	case MsgLockRow, MsgUnlockRow:
		if m.FileID == "" || m.RowID == "" {
			return invalidMessage("fileId and rowId are required")
		}
	case MsgUpdateRow:
		if m.FileID == "" || m.RowID == "" {
			return invalidMessage("fileId and rowId are required")
		}
		if len(m.Values) == 0 {
			return invalidMessage("values must not be empty")
		}
	case MsgCursorPosition:
		if m.FileID == "" || m.RowID == "" {
			return invalidMessage("fileId and rowId are required")
		}
	default:
		return invalidMessage("unknown message type " + m.Type)
	}
	return nil
}
