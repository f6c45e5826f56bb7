package store

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MedDash99/Sagole/internal/env"
	"github.com/MedDash99/Sagole/internal/record"
)

// Change request lifecycle. Pending is the only non-terminal state; a request
// leaves it exactly once.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var (
	ErrChangeNotFound = errors.New("change request not found")
	ErrChangeResolved = errors.New("change request already resolved")
	ErrTableNotFound  = errors.New("table not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrUserNotFound   = errors.New("user not found")
)

type User struct {
	ID           uuid.UUID
	Username     string
	FullName     string
	PasswordHash string
	Role         string
	IsActive     bool
}

// ChangeRequest is a proposed row mutation awaiting admin review. A nil
// RecordID proposes a creation. OldValues and NewValues share the same key
// set and never contain the identifier field.
type ChangeRequest struct {
	ID          uuid.UUID               `json:"id"`
	TableName   string                  `json:"table_name"`
	RecordID    *int64                  `json:"record_id"`
	OldValues   map[string]record.Value `json:"old_values"`
	NewValues   map[string]record.Value `json:"new_values"`
	Status      string                  `json:"status"`
	SubmittedBy string                  `json:"submitted_by"`
	SubmittedAt time.Time               `json:"submitted_at"`
	ResolvedBy  *string                 `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time              `json:"resolved_at,omitempty"`
	Environment env.Environment         `json:"environment"`
}

// Snapshot preserves the full pre-approval image of a row, keyed to the
// change request that replaced it.
type Snapshot struct {
	ID        int64                   `json:"id"`
	TableName string                  `json:"table_name"`
	RecordID  int64                   `json:"record_id"`
	Data      map[string]record.Value `json:"data"`
	ChangeID  uuid.UUID               `json:"change_id"`
	CreatedAt time.Time               `json:"created_at"`
}

// Filter restricts a row listing. Operators are whitelisted by the store.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}
