package domain

import "errors"

var (
	ErrOutOfStock        = errors.New("out of stock")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTokenRejected     = errors.New("token rejected")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")

	// ErrConflict means a concurrent writer changed the record first.
	ErrConflict = errors.New("concurrent update")
)
