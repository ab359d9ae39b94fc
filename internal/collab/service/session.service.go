package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"labelroom/internal/collab/document"
	"labelroom/internal/collab/lock"
	"labelroom/internal/collab/model"
	"labelroom/internal/collab/operation"
	"labelroom/internal/collab/transform"
	"labelroom/pkg/logger"
	"labelroom/store"
)

// Checkpointer receives serialized snapshots after each mutation. Writes are
// best-effort and must not block.
type Checkpointer interface {
	Mark(sessionID string, version uint64, snapshot []byte)
	Discard(sessionID string)
}

// SnapshotSource loads a checkpoint for crash recovery.
type SnapshotSource interface {
	Get(ctx context.Context, sessionID string) ([]byte, error)
}

// Archiver stores the final document of a destroyed session.
type Archiver interface {
	Save(ctx context.Context, rec store.Record) error
}

// AuditLog receives every accepted operation.
type AuditLog interface {
	Record(sessionID string, op operation.Operation)
}

type Options struct {
	MaxUsers        int
	HistorySize     int
	JoinHistory     int
	TransformWindow int
	ConcurrencyBand time.Duration
	LockTTL         time.Duration
	IdleTimeout     time.Duration
	EnforceLocks    bool
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxUsers <= 0 {
		o.MaxUsers = 50
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 1000
	}
	if o.JoinHistory <= 0 {
		o.JoinHistory = 50
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps are the optional external collaborators. Any of them may be nil.
type Deps struct {
	Checkpoints Checkpointer
	Snapshots   SnapshotSource
	Archive     Archiver
	Audit       AuditLog
}

// LeaveResult describes what a departure changed.
type LeaveResult struct {
	SessionID     string
	ReleasedLocks []string
	Remaining     []string
}

// SessionManager owns every CollaborationSession in the process. The registry
// map and the user index are guarded by mu; each session's state is guarded by
// its own mutex, so sessions progress in parallel.
type SessionManager struct {
	opts   Options
	deps   Deps
	engine transform.Engine

	mu        sync.RWMutex
	sessions  map[string]*Session
	userIndex map[string]string

	recovering singleflight.Group
}

func NewSessionManager(opts Options, deps Deps) *SessionManager {
	opts = opts.withDefaults()
	return &SessionManager{
		opts:      opts,
		deps:      deps,
		engine:    transform.NewEngine(opts.TransformWindow, opts.ConcurrencyBand),
		sessions:  make(map[string]*Session),
		userIndex: make(map[string]string),
	}
}

func (m *SessionManager) get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Create allocates a new active session with first as its only member.
func (m *SessionManager) Create(projectID, datasetID string, first model.User) (string, error) {
	view, err := m.create(projectID, datasetID, first)
	if err != nil {
		return "", err
	}
	return view.SessionID, nil
}

func (m *SessionManager) create(projectID, datasetID string, first model.User) (View, error) {
	if first.ID == "" {
		return View{}, ErrInvalidUser
	}
	m.leaveOther(first.ID, "")

	s := newSession(uuid.NewString(), projectID, datasetID, m.opts.Now)
	s.mu.Lock()
	defer s.mu.Unlock()

	first.LastSeen = m.opts.Now()
	s.users[first.ID] = &first

	m.mu.Lock()
	m.sessions[s.id] = s
	m.userIndex[first.ID] = s.id
	m.mu.Unlock()

	logger.Sugar.Infof("Created session %s for project %s dataset %s", s.id, projectID, datasetID)
	m.checkpointLocked(s)
	return s.view(m.opts.JoinHistory), nil
}

// Join adds user to an existing session.
func (m *SessionManager) Join(sessionID string, user model.User) error {
	_, err := m.join(sessionID, user)
	return err
}

func (m *SessionManager) join(sessionID string, user model.User) (View, error) {
	if user.ID == "" {
		return View{}, ErrInvalidUser
	}
	s := m.get(sessionID)
	if s == nil {
		return View{}, ErrSessionNotFound
	}
	m.leaveOther(user.ID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return View{}, ErrSessionNotFound
	}
	if _, rejoin := s.users[user.ID]; !rejoin && len(s.users) >= m.opts.MaxUsers {
		return View{}, ErrRoomFull
	}

	user.LastSeen = m.opts.Now()
	s.users[user.ID] = &user
	s.cancelIdle()
	s.status = StatusActive

	m.mu.Lock()
	m.userIndex[user.ID] = s.id
	m.mu.Unlock()

	m.checkpointLocked(s)
	return s.view(m.opts.JoinHistory), nil
}

// JoinOrCreate joins req.SessionID when it is live or recoverable from a
// checkpoint, and otherwise creates a fresh session. Creating requires a
// dataset; without one an unknown session id is reported as not found.
func (m *SessionManager) JoinOrCreate(ctx context.Context, req model.JoinRequest) (View, bool, error) {
	if req.SessionID != "" {
		if m.get(req.SessionID) == nil {
			m.recover(ctx, req.SessionID)
		}
		view, err := m.join(req.SessionID, req.User)
		if !errors.Is(err, ErrSessionNotFound) {
			return view, false, err
		}
	}
	if req.DatasetID == "" {
		if req.SessionID != "" {
			return View{}, false, ErrSessionNotFound
		}
		return View{}, false, ErrDatasetRequired
	}
	view, err := m.create(req.ProjectID, req.DatasetID, req.User)
	return view, err == nil, err
}

// recover loads a checkpoint into the registry. Concurrent recoveries of the
// same id share one load.
func (m *SessionManager) recover(ctx context.Context, sessionID string) {
	if m.deps.Snapshots == nil {
		return
	}
	_, _, _ = m.recovering.Do(sessionID, func() (any, error) {
		if m.get(sessionID) != nil {
			return nil, nil
		}
		raw, err := m.deps.Snapshots.Get(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, store.ErrSnapshotNotFound) {
				logger.Sugar.Errorf("Failed to load checkpoint for session %s: %v", sessionID, err)
			}
			return nil, err
		}
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			logger.Sugar.Errorf("Discarding corrupt checkpoint for session %s: %v", sessionID, err)
			return nil, err
		}
		s := restoreSession(snap, m.opts.Now)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.status = StatusIdle
		s.armIdle(m.opts.IdleTimeout, m.evict)
		m.mu.Lock()
		if _, exists := m.sessions[sessionID]; !exists {
			m.sessions[sessionID] = s
		} else {
			s.cancelIdle()
		}
		m.mu.Unlock()
		logger.Sugar.Infof("Recovered session %s from checkpoint (%d operations)", sessionID, len(snap.Operations))
		return nil, nil
	})
}

// leaveOther removes userID from any session other than keep.
func (m *SessionManager) leaveOther(userID, keep string) {
	m.mu.RLock()
	cur, ok := m.userIndex[userID]
	m.mu.RUnlock()
	if ok && cur != keep {
		m.Leave(userID)
	}
}

// Leave removes the user from their session and releases their locks. When
// the session empties, an idle-eviction timer starts.
func (m *SessionManager) Leave(userID string) (LeaveResult, bool) {
	m.mu.Lock()
	sessionID, ok := m.userIndex[userID]
	if ok {
		delete(m.userIndex, userID)
	}
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || s == nil {
		return LeaveResult{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, member := s.users[userID]; !member {
		return LeaveResult{}, false
	}
	delete(s.users, userID)
	res := LeaveResult{
		SessionID:     s.id,
		ReleasedLocks: s.locks.ReleaseAll(userID),
		Remaining:     s.memberIDs(),
	}
	if len(s.users) == 0 && s.status == StatusActive {
		s.status = StatusIdle
		s.armIdle(m.opts.IdleTimeout, m.evict)
		logger.Sugar.Infof("Session %s is idle; evicting in %s", s.id, m.opts.IdleTimeout)
	}
	m.checkpointLocked(s)
	return res, true
}

// evict destroys s if it is still idle and gen is the current idle
// generation; a timer that fired before a rejoin is ignored.
func (m *SessionManager) evict(s *Session, gen uint64) {
	s.mu.Lock()
	if gen != s.idleGen || s.status != StatusIdle || len(s.users) > 0 {
		s.mu.Unlock()
		return
	}
	s.status = StatusDestroyed
	s.idleTimer = nil
	snap := s.snapshot()
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	if m.deps.Checkpoints != nil {
		m.deps.Checkpoints.Discard(s.id)
	}
	logger.Sugar.Infof("Evicted idle session %s", s.id)

	if m.deps.Archive != nil {
		go m.archive(snap)
	}
}

func (m *SessionManager) archive(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		logger.Sugar.Errorf("Failed to encode archive for session %s: %v", snap.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec := store.Record{
		SessionID: snap.ID,
		ProjectID: snap.ProjectID,
		DatasetID: snap.DatasetID,
		CreatedAt: snap.CreatedAt,
		Snapshot:  data,
	}
	if err := m.deps.Archive.Save(ctx, rec); err != nil {
		logger.Sugar.Errorf("Failed to archive session %s: %v", snap.ID, err)
	}
}

// Publisher receives an accepted operation and the session's members while
// the session is still locked, so deliveries follow history order. It must
// not block or call back into the manager.
type Publisher func(accepted operation.Operation, members []string)

// Submit reconciles op against the session's recent history, applies it and
// returns the possibly adjusted operation for broadcast. The author is always
// actor, whatever op claims.
func (m *SessionManager) Submit(sessionID string, op operation.Operation, actor string) (operation.Operation, error) {
	return m.SubmitAndPublish(sessionID, op, actor, nil)
}

// SubmitAndPublish is Submit with publish run before the session unlocks.
func (m *SessionManager) SubmitAndPublish(sessionID string, op operation.Operation, actor string, publish Publisher) (operation.Operation, error) {
	s := m.get(sessionID)
	if s == nil {
		return operation.Operation{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return operation.Operation{}, ErrSessionNotFound
	}
	user, ok := s.users[actor]
	if !ok {
		return operation.Operation{}, ErrNotMember
	}
	if s.seen(op.ID) {
		return operation.Operation{}, ErrDuplicateOperation
	}

	op.Actor = actor
	if last, ok := s.lastTS[actor]; ok && op.Timestamp.Before(last) {
		op = op.WithTimestamp(last)
	}

	if m.opts.EnforceLocks && op.Kind.IsAnnotation() {
		if l, held := s.locks.Holder(op.AnnotationID()); held && l.Holder != actor {
			return operation.Operation{}, &lock.ConflictError{AnnotationID: l.AnnotationID, HeldBy: l.Holder, ExpiresAt: l.ExpiresAt}
		}
	}

	accepted, ok := m.engine.Reconcile(op, s.operations)
	if !ok {
		return operation.Operation{}, ErrConflictCancelled
	}

	s.state = document.Apply(s.state, accepted)
	switch accepted.Kind {
	case operation.KindCursorMove:
		pos := accepted.Position
		user.CursorPosition = &pos
	case operation.KindSelectionChange:
		user.Selection = accepted.Selection
	}
	user.LastSeen = m.opts.Now()
	s.lastTS[actor] = op.Timestamp

	s.append(accepted, op.ID, m.opts.HistorySize)
	m.checkpointLocked(s)
	if m.deps.Audit != nil {
		m.deps.Audit.Record(s.id, accepted)
	}
	if publish != nil {
		publish(accepted, s.memberIDs())
	}
	return accepted, nil
}

// MoveCursor records a presence-only cursor update; it has no history effect.
func (m *SessionManager) MoveCursor(sessionID, userID string, position int) (model.User, error) {
	return m.touchUser(sessionID, userID, func(u *model.User) {
		u.CursorPosition = &position
	})
}

// ChangeSelection records a presence-only selection update.
func (m *SessionManager) ChangeSelection(sessionID, userID string, sel *operation.Selection) (model.User, error) {
	return m.touchUser(sessionID, userID, func(u *model.User) {
		u.Selection = sel
	})
}

func (m *SessionManager) touchUser(sessionID, userID string, update func(*model.User)) (model.User, error) {
	s := m.get(sessionID)
	if s == nil {
		return model.User{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return model.User{}, ErrNotMember
	}
	update(u)
	u.LastSeen = m.opts.Now()
	return *u, nil
}

// AcquireLock claims annotationID for actor for the configured TTL.
func (m *SessionManager) AcquireLock(sessionID, annotationID, actor string) (lock.AnnotationLock, error) {
	s := m.get(sessionID)
	if s == nil {
		return lock.AnnotationLock{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[actor]; !ok {
		return lock.AnnotationLock{}, ErrNotMember
	}
	l, err := s.locks.Acquire(annotationID, actor, m.opts.LockTTL)
	if err != nil {
		return lock.AnnotationLock{}, err
	}
	m.checkpointLocked(s)
	return l, nil
}

// ReleaseLock drops annotationID if actor holds it.
func (m *SessionManager) ReleaseLock(sessionID, annotationID, actor string) error {
	s := m.get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locks.Release(annotationID, actor) {
		return ErrUnauthorizedRelease
	}
	m.checkpointLocked(s)
	return nil
}

// SweepLocks removes expired locks from every session and returns them keyed
// by session id.
func (m *SessionManager) SweepLocks() map[string][]lock.AnnotationLock {
	out := make(map[string][]lock.AnnotationLock)
	for _, s := range m.all() {
		s.mu.Lock()
		if expired := s.locks.Sweep(); len(expired) > 0 {
			out[s.id] = expired
			m.checkpointLocked(s)
		}
		s.mu.Unlock()
	}
	return out
}

// Members returns the user ids currently in the session.
func (m *SessionManager) Members(sessionID string) []string {
	s := m.get(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberIDs()
}

// SessionOf returns the session the user is in.
func (m *SessionManager) SessionOf(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.userIndex[userID]
	return id, ok
}

// Snapshot returns the full current state of a session.
func (m *SessionManager) Snapshot(sessionID string) (Snapshot, error) {
	s := m.get(sessionID)
	if s == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (m *SessionManager) Summary(sessionID string) (model.SessionSummary, error) {
	s := m.get(sessionID)
	if s == nil {
		return model.SessionSummary{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary(), nil
}

func (m *SessionManager) List() []model.SessionSummary {
	sessions := m.all()
	out := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.summary())
		s.mu.Unlock()
	}
	return out
}

// Health reports active-session and connected-user counts.
func (m *SessionManager) Health() model.HealthResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.HealthResponse{Status: "healthy", ActiveSessions: len(m.sessions), TotalUsers: len(m.userIndex)}
}

// Close stops every idle timer. Sessions stay in memory for a final flush.
func (m *SessionManager) Close() {
	for _, s := range m.all() {
		s.mu.Lock()
		s.cancelIdle()
		s.mu.Unlock()
	}
}

func (m *SessionManager) all() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// checkpointLocked hands the current snapshot to the checkpointer. Callers
// hold s.mu, which orders versions.
func (m *SessionManager) checkpointLocked(s *Session) {
	s.version++
	if m.deps.Checkpoints == nil {
		return
	}
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		logger.Sugar.Errorf("Failed to encode checkpoint for session %s: %v", s.id, err)
		return
	}
	m.deps.Checkpoints.Mark(s.id, s.version, data)
}
