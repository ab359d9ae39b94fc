package service

import "errors"

// Per-request outcomes. None of these are process faults; each is reported
// only to the connection that caused it.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrRoomFull            = errors.New("session is full")
	ErrConflictCancelled   = errors.New("operation cancelled by a concurrent edit")
	ErrDuplicateOperation  = errors.New("operation already applied")
	ErrUnauthorizedRelease = errors.New("lock is not held by this user")
	ErrNotMember           = errors.New("user is not a member of this session")
	ErrInvalidUser         = errors.New("user id is required")
	ErrDatasetRequired     = errors.New("dataset id is required to create a session")
)
