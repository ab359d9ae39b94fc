package socket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"labelroom/internal/collab/lock"
	"labelroom/internal/collab/model"
	"labelroom/internal/collab/operation"
	"labelroom/internal/collab/service"
	"labelroom/pkg/logger"
)

// BroadcastRouter delivers messages to one user, to a list of users or to
// every member of a session. Implementations must not block.
type BroadcastRouter interface {
	SendTo(userID string, msg WSMessage) bool
	SendToUsers(userIDs []string, msg WSMessage, exclude ...string)
	SendToSession(sessionID string, msg WSMessage, exclude ...string)
}

// Handler turns inbound client messages into session manager calls and
// routes the outcomes. Every per-request failure is answered to the sender
// only.
type Handler struct {
	manager *service.SessionManager
	router  BroadcastRouter
	now     func() time.Time
}

func NewHandler(manager *service.SessionManager, router BroadcastRouter) *Handler {
	return &Handler{manager: manager, router: router, now: time.Now}
}

func (h *Handler) Handle(ctx context.Context, sender model.User, msg WSMessage) {
	switch msg.Type {
	case JoinType:
		h.join(ctx, sender, msg.Payload)
	case OperationType:
		h.operation(sender, msg.Payload)
	case CursorMoveType:
		h.cursorMove(sender, msg.Payload)
	case SelectionChangeType:
		h.selectionChange(sender, msg.Payload)
	case LockAnnotationType:
		h.lockAnnotation(sender, msg.Payload)
	case UnlockAnnotationType:
		h.unlockAnnotation(sender, msg.Payload)
	default:
		h.replyError(sender.ID, "", CodeUnknownType, "unknown message type "+msg.Type)
	}
}

func (h *Handler) join(ctx context.Context, sender model.User, raw json.RawMessage) {
	var p JoinPayload
	if err := decode(raw, &p); err != nil {
		h.replyError(sender.ID, "", CodeBadMessage, err.Error())
		return
	}
	if p.SessionID == "" && p.DatasetID == "" {
		h.replyError(sender.ID, "", CodeValidation, "dataset_id or session_id is required")
		return
	}

	user := sender
	if user.Name == "" {
		user.Name = p.User.Name
	}
	if !user.Role.Valid() {
		user.Role = model.Role(p.User.Role)
	}
	if !user.Role.Valid() {
		user.Role = model.RoleAnnotator
	}

	// Leaving the previous session here, rather than inside the manager,
	// lets its members hear about it.
	if prev, ok := h.manager.SessionOf(user.ID); ok && prev != p.SessionID {
		h.Leave(user.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	view, created, err := h.manager.JoinOrCreate(ctx, model.JoinRequest{
		ProjectID: p.ProjectID,
		DatasetID: p.DatasetID,
		SessionID: p.SessionID,
		User:      user,
	})
	switch {
	case errors.Is(err, service.ErrRoomFull):
		h.replyError(user.ID, p.SessionID, CodeRoomFull, err.Error())
		return
	case errors.Is(err, service.ErrSessionNotFound):
		h.replyError(user.ID, p.SessionID, CodeSessionMissing, err.Error())
		return
	case err != nil:
		h.replyError(user.ID, p.SessionID, CodeValidation, err.Error())
		return
	}

	logger.Sugar.Infof("User %s joined session %s (created=%t)", user.ID, view.SessionID, created)
	h.router.SendTo(user.ID, newMessage(SessionJoinedType, view.SessionID, user.ID, SessionJoinedPayload{View: view, Created: created}))

	joined := user
	for _, u := range view.Users {
		if u.ID == user.ID {
			joined = u
		}
	}
	h.router.SendToSession(view.SessionID, newMessage(UserJoinedType, view.SessionID, user.ID, joined), user.ID)
}

func (h *Handler) operation(sender model.User, raw json.RawMessage) {
	sessionID, ok := h.sessionOf(sender.ID)
	if !ok {
		return
	}
	var in operation.Intent
	if err := decode(raw, &in); err != nil {
		h.replyError(sender.ID, sessionID, CodeBadMessage, err.Error())
		return
	}
	op, err := operation.New(in, sender.ID, h.now())
	if err != nil {
		h.replyError(sender.ID, sessionID, CodeValidation, err.Error())
		return
	}

	// Fan-out runs under the session lock so every peer sees operations in
	// history order.
	_, err = h.manager.SubmitAndPublish(sessionID, op, sender.ID, func(accepted operation.Operation, members []string) {
		h.router.SendToUsers(members, newMessage(OperationType, sessionID, sender.ID, accepted), sender.ID)
	})
	var conflict *lock.ConflictError
	switch {
	case err == nil:
	case errors.Is(err, service.ErrConflictCancelled):
		logger.Sugar.Debugf("Operation %s from %s cancelled in session %s", op.ID, sender.ID, sessionID)
		h.router.SendTo(sender.ID, newMessage(OperationCancelledType, sessionID, sender.ID,
			OperationCancelledPayload{OperationID: op.ID, Reason: err.Error()}))
		return
	case errors.As(err, &conflict):
		h.router.SendTo(sender.ID, newMessage(LockFailedType, sessionID, sender.ID,
			LockFailedPayload{AnnotationID: conflict.AnnotationID, LockedBy: conflict.HeldBy, ExpiresAt: conflict.ExpiresAt}))
		return
	case errors.Is(err, service.ErrDuplicateOperation):
		h.replyError(sender.ID, sessionID, CodeDuplicate, err.Error())
		return
	default:
		h.replyManagerError(sender.ID, sessionID, err)
		return
	}
}

func (h *Handler) cursorMove(sender model.User, raw json.RawMessage) {
	sessionID, ok := h.sessionOf(sender.ID)
	if !ok {
		return
	}
	var p CursorMovePayload
	if err := decode(raw, &p); err != nil {
		h.replyError(sender.ID, sessionID, CodeBadMessage, err.Error())
		return
	}
	if p.Position == nil || *p.Position < 0 {
		h.replyError(sender.ID, sessionID, CodeValidation, "position must be >= 0")
		return
	}
	if _, err := h.manager.MoveCursor(sessionID, sender.ID, *p.Position); err != nil {
		h.replyManagerError(sender.ID, sessionID, err)
		return
	}
	h.router.SendToSession(sessionID, newMessage(CursorMovedType, sessionID, sender.ID,
		CursorMovedPayload{UserID: sender.ID, Position: *p.Position}), sender.ID)
}

func (h *Handler) selectionChange(sender model.User, raw json.RawMessage) {
	sessionID, ok := h.sessionOf(sender.ID)
	if !ok {
		return
	}
	var p SelectionChangePayload
	if err := decode(raw, &p); err != nil {
		h.replyError(sender.ID, sessionID, CodeBadMessage, err.Error())
		return
	}
	if s := p.Selection; s != nil && (s.Start < 0 || s.End < s.Start) {
		h.replyError(sender.ID, sessionID, CodeValidation, "selection must satisfy 0 <= start <= end")
		return
	}
	if _, err := h.manager.ChangeSelection(sessionID, sender.ID, p.Selection); err != nil {
		h.replyManagerError(sender.ID, sessionID, err)
		return
	}
	h.router.SendToSession(sessionID, newMessage(SelectionChangedType, sessionID, sender.ID,
		SelectionChangedPayload{UserID: sender.ID, Selection: p.Selection}), sender.ID)
}

func (h *Handler) lockAnnotation(sender model.User, raw json.RawMessage) {
	sessionID, annotationID, ok := h.lockRequest(sender, raw)
	if !ok {
		return
	}
	l, err := h.manager.AcquireLock(sessionID, annotationID, sender.ID)
	var conflict *lock.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		h.router.SendTo(sender.ID, newMessage(LockFailedType, sessionID, sender.ID,
			LockFailedPayload{AnnotationID: annotationID, LockedBy: conflict.HeldBy, ExpiresAt: conflict.ExpiresAt}))
		return
	default:
		h.replyManagerError(sender.ID, sessionID, err)
		return
	}
	expires := l.ExpiresAt
	h.router.SendToSession(sessionID, newMessage(AnnotationLockedType, sessionID, sender.ID,
		LockPayload{AnnotationID: annotationID, UserID: sender.ID, ExpiresAt: &expires}))
}

func (h *Handler) unlockAnnotation(sender model.User, raw json.RawMessage) {
	sessionID, annotationID, ok := h.lockRequest(sender, raw)
	if !ok {
		return
	}
	err := h.manager.ReleaseLock(sessionID, annotationID, sender.ID)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrUnauthorizedRelease):
		h.router.SendTo(sender.ID, newMessage(UnlockFailedType, sessionID, sender.ID,
			UnlockFailedPayload{AnnotationID: annotationID, Reason: err.Error()}))
		return
	default:
		h.replyManagerError(sender.ID, sessionID, err)
		return
	}
	h.router.SendToSession(sessionID, newMessage(AnnotationUnlockedType, sessionID, sender.ID,
		LockPayload{AnnotationID: annotationID, UserID: sender.ID, Reason: ReasonReleased}))
}

func (h *Handler) lockRequest(sender model.User, raw json.RawMessage) (string, string, bool) {
	sessionID, ok := h.sessionOf(sender.ID)
	if !ok {
		return "", "", false
	}
	var p LockRequestPayload
	if err := decode(raw, &p); err != nil {
		h.replyError(sender.ID, sessionID, CodeBadMessage, err.Error())
		return "", "", false
	}
	if p.AnnotationID == "" {
		h.replyError(sender.ID, sessionID, CodeValidation, "annotation_id is required")
		return "", "", false
	}
	return sessionID, p.AnnotationID, true
}

// Leave removes the user from their session and tells the remaining members
// which locks were released.
func (h *Handler) Leave(userID string) {
	res, ok := h.manager.Leave(userID)
	if !ok {
		return
	}
	logger.Sugar.Infof("User %s left session %s", userID, res.SessionID)
	for _, id := range res.ReleasedLocks {
		h.router.SendToSession(res.SessionID, newMessage(AnnotationUnlockedType, res.SessionID, userID,
			LockPayload{AnnotationID: id, UserID: userID, Reason: ReasonLeft}))
	}
	h.router.SendToSession(res.SessionID, newMessage(UserLeftType, res.SessionID, userID, UserLeftPayload{UserID: userID}))
}

// SweepExpired drops expired locks everywhere and announces each one.
func (h *Handler) SweepExpired() {
	for sessionID, expired := range h.manager.SweepLocks() {
		for _, l := range expired {
			h.router.SendToSession(sessionID, newMessage(AnnotationUnlockedType, sessionID, l.Holder,
				LockPayload{AnnotationID: l.AnnotationID, UserID: l.Holder, Reason: ReasonExpired}))
		}
	}
}

func (h *Handler) sessionOf(userID string) (string, bool) {
	sessionID, ok := h.manager.SessionOf(userID)
	if !ok {
		h.replyError(userID, "", CodeNotInSession, "join a session first")
	}
	return sessionID, ok
}

func (h *Handler) replyManagerError(userID, sessionID string, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		h.replyError(userID, sessionID, CodeSessionMissing, err.Error())
	case errors.Is(err, service.ErrNotMember):
		h.replyError(userID, sessionID, CodeNotInSession, err.Error())
	default:
		logger.Sugar.Errorf("Unexpected error for user %s in session %s: %v", userID, sessionID, err)
		h.replyError(userID, sessionID, CodeInternal, err.Error())
	}
}

func (h *Handler) replyError(userID, sessionID, code, message string) {
	logger.Sugar.Debugf("Rejected request from %s: %s: %s", userID, code, message)
	h.router.SendTo(userID, newMessage(ErrorType, sessionID, userID, ErrorPayload{Code: code, Message: message}))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	return json.Unmarshal(raw, v)
}
