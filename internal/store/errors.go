package store

import "errors"

// Sentinel errors returned by store operations. Callers use errors.Is.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrAlreadyClaimed    = errors.New("store: task already claimed")
	ErrInvalidTransition = errors.New("store: invalid task transition")
	ErrWorkspaceMissing  = errors.New("store: board has no workspace settings")
)
