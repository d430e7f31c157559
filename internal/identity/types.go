package identity

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")

	// ErrIntegrity marks a transactional failure during user creation: the
	// remote account existed but the local record could not be persisted.
	ErrIntegrity = errors.New("integrity failure")
)

// User is a local account. Email is the login key; ExternalID references the
// identity-provider account. IsStaff and IsSuperuser are derived from the
// role set and recomputed on every role change.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	ExternalID   string    `json:"external_id,omitempty"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	IsStaff      bool      `json:"is_staff"`
	IsSuperuser  bool      `json:"is_superuser"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser carries the fields persisted on creation.
type NewUser struct {
	Email        string
	ExternalID   string
	PasswordHash string
}
