package access

import "errors"

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownRole   = errors.New("unknown role")
	ErrUnknownKind   = errors.New("unknown permission kind")
	ErrScopeMismatch = errors.New("permission scope mismatch")
)
