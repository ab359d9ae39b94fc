package model

import (
	"time"

	"labelroom/internal/collab/operation"
)

type Role string

const (
	RoleViewer    Role = "viewer"
	RoleAnnotator Role = "annotator"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleAnnotator, RoleReviewer, RoleAdmin:
		return true
	}
	return false
}

// User is a connected participant. Role is informational only; it is
// broadcast so peers can render context but does not gate operations.
type User struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Role           Role                 `json:"role"`
	CursorPosition *int                 `json:"cursor_position,omitempty"`
	Selection      *operation.Selection `json:"selection,omitempty"`
	LastSeen       time.Time            `json:"last_seen"`
}

type SessionSummary struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	DatasetID      string    `json:"dataset_id"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
	UserCount      int       `json:"user_count"`
	OperationCount int       `json:"operation_count"`
	ActiveLocks    int       `json:"active_locks"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	TotalUsers     int    `json:"total_users"`
}

type JoinRequest struct {
	ProjectID string `json:"project_id"`
	DatasetID string `json:"dataset_id"`
	SessionID string `json:"session_id,omitempty"`
	User      User   `json:"user"`
}
