package directory

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
)

// Institution is the protected resource. Institutions form a tree through
// ParentID; deleting a parent detaches its children rather than cascading.
type Institution struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Membership is the user/institution join entity. Creating or deleting one is
// the event that triggers permission synchronization. Unique per pair.
type Membership struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	InstitutionID string    `json:"institution_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InstitutionUpdate carries optional field changes.
type InstitutionUpdate struct {
	Name        *string
	Description *string
	ParentID    *string
	Active      *bool
}
