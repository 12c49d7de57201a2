package store

import "errors"

// Error taxonomy for the Project Store (spec §4.1, §7).
var (
	ErrExists       = errors.New("store: project already exists")
	ErrInvalid      = errors.New("store: invalid input")
	ErrNotFound     = errors.New("store: not found")
	ErrIntegrity    = errors.New("store: integrity constraint violated")
	ErrStore        = errors.New("store: backend error")
	ErrBadTransition = errors.New("store: illegal status transition")
	ErrQuota        = errors.New("store: project byte quota exceeded")
)
