package socket

import (
	"encoding/json"
	"time"

	"labelroom/internal/collab/operation"
	"labelroom/internal/collab/service"
)

// Client -> server message types.
const (
	JoinType             = "join_collaboration"
	OperationType        = "operation"
	CursorMoveType       = "cursor_move"
	SelectionChangeType  = "selection_change"
	LockAnnotationType   = "lock_annotation"
	UnlockAnnotationType = "unlock_annotation"
)

// Server -> client message types.
const (
	SessionJoinedType      = "session_joined"
	UserJoinedType         = "user_joined"
	UserLeftType           = "user_left"
	OperationCancelledType = "operation_cancelled"
	CursorMovedType        = "cursor_moved"
	SelectionChangedType   = "selection_changed"
	AnnotationLockedType   = "annotation_locked"
	AnnotationUnlockedType = "annotation_unlocked"
	LockFailedType         = "lock_failed"
	UnlockFailedType       = "unlock_failed"
	ErrorType              = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadMessage     = "bad_message"
	CodeValidation     = "validation_error"
	CodeSessionMissing = "session_not_found"
	CodeRoomFull       = "room_full"
	CodeNotInSession   = "not_in_session"
	CodeDuplicate      = "duplicate_operation"
	CodeUnknownType    = "unknown_type"
	CodeInternal       = "internal_error"
)

// Reasons carried on annotation_unlocked.
const (
	ReasonReleased = "released"
	ReasonExpired  = "expired"
	ReasonLeft     = "user_left"
)

// WSMessage is the envelope for every frame in both directions. The server
// overwrites SessionID and UserID on inbound frames.
type WSMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	ProjectID string `json:"project_id"`
	DatasetID string `json:"dataset_id"`
	SessionID string `json:"session_id,omitempty"`
	User      struct {
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"user"`
}

type CursorMovePayload struct {
	Position *int `json:"position"`
}

type SelectionChangePayload struct {
	Selection *operation.Selection `json:"selection"`
}

type LockRequestPayload struct {
	AnnotationID string `json:"annotation_id"`
}

type SessionJoinedPayload struct {
	service.View
	Created bool `json:"created"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
}

type OperationCancelledPayload struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

type CursorMovedPayload struct {
	UserID   string `json:"user_id"`
	Position int    `json:"position"`
}

type SelectionChangedPayload struct {
	UserID    string               `json:"user_id"`
	Selection *operation.Selection `json:"selection"`
}

type LockPayload struct {
	AnnotationID string     `json:"annotation_id"`
	UserID       string     `json:"user_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type LockFailedPayload struct {
	AnnotationID string    `json:"annotation_id"`
	LockedBy     string    `json:"locked_by"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type UnlockFailedPayload struct {
	AnnotationID string `json:"annotation_id"`
	Reason       string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newMessage builds an outbound envelope. Payloads are plain structs, so a
// marshal failure is a programming error and yields an empty payload.
func newMessage(msgType, sessionID, userID string, payload any) WSMessage {
	msg := WSMessage{Type: msgType, SessionID: sessionID, UserID: userID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			msg.Payload = b
		}
	}
	return msg
}
