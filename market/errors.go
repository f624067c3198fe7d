package market

import "errors"

var (
	ErrDuplicateID  = errors.New("duplicate id")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrTimeout      = errors.New("timeout")
	ErrInvalid      = errors.New("invalid")
	ErrForbidden    = errors.New("forbidden")
)
