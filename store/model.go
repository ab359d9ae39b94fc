package store

import (
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned when no checkpoint exists for a session.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Record is the archived final state of a destroyed session.
type Record struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	DatasetID string    `json:"dataset_id"`
	CreatedAt time.Time `json:"created_at"`
	Snapshot  []byte    `json:"snapshot"` // JSON-encoded session snapshot
	UpdatedAt time.Time `json:"updated_at"`
}
