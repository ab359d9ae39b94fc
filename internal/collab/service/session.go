package service

import (
	"sort"
	"sync"
	"time"

	"labelroom/internal/collab/document"
	"labelroom/internal/collab/lock"
	"labelroom/internal/collab/model"
	"labelroom/internal/collab/operation"
)

type Status int

const (
	StatusActive Status = iota
	StatusIdle
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusIdle:
		return "idle"
	default:
		return "destroyed"
	}
}

// Session is one collaboration room. Every field below mu is guarded by it;
// the manager never touches them without holding the lock.
type Session struct {
	mu sync.Mutex

	id        string
	projectID string
	datasetID string
	createdAt time.Time

	status     Status
	users      map[string]*model.User
	operations []operation.Operation
	// submitted[i] is the id the client sent for operations[i]; it differs
	// from operations[i].ID when a merge adopted an earlier id.
	submitted []string
	opIDs     map[string]int
	lastTS    map[string]time.Time
	locks     *lock.Table
	state     document.State
	idleTimer *time.Timer
	idleGen   uint64
	version   uint64
}

func newSession(id, projectID, datasetID string, now func() time.Time) *Session {
	return &Session{
		id:        id,
		projectID: projectID,
		datasetID: datasetID,
		createdAt: now(),
		status:    StatusActive,
		users:     make(map[string]*model.User),
		opIDs:     make(map[string]int),
		lastTS:    make(map[string]time.Time),
		locks:     lock.NewTable(now),
		state:     document.New(),
	}
}

// Snapshot is the serialized form checkpointed to the persistence gateway.
type Snapshot struct {
	ID            string                `json:"id"`
	ProjectID     string                `json:"project_id"`
	DatasetID     string                `json:"dataset_id"`
	CreatedAt     time.Time             `json:"created_at"`
	Users         []model.User          `json:"users"`
	Operations    []operation.Operation `json:"operations"`
	Locks         []lock.AnnotationLock `json:"locks"`
	DocumentState document.State        `json:"document_state"`
	SubmittedIDs  []string              `json:"submitted_ids,omitempty"`
}

// View is what a joining user receives.
type View struct {
	SessionID     string                `json:"session_id"`
	Users         []model.User          `json:"users"`
	DocumentState document.State        `json:"document_state"`
	Operations    []operation.Operation `json:"operations"`
	Locks         []lock.AnnotationLock `json:"locks"`
}

// append records op under both its stored id and the id it was submitted
// with, dropping the oldest entries beyond limit.
func (s *Session) append(op operation.Operation, submittedID string, limit int) {
	s.operations = append(s.operations, op)
	s.submitted = append(s.submitted, submittedID)
	s.trackIDs(op.ID, submittedID, 1)
	if limit <= 0 || len(s.operations) <= limit {
		return
	}
	drop := len(s.operations) - limit
	for i, old := range s.operations[:drop] {
		s.trackIDs(old.ID, s.submitted[i], -1)
	}
	kept := make([]operation.Operation, limit)
	copy(kept, s.operations[drop:])
	s.operations = kept
	keptIDs := make([]string, limit)
	copy(keptIDs, s.submitted[drop:])
	s.submitted = keptIDs
}

func (s *Session) trackIDs(storedID, submittedID string, delta int) {
	s.bump(storedID, delta)
	if submittedID != "" && submittedID != storedID {
		s.bump(submittedID, delta)
	}
}

func (s *Session) bump(id string, delta int) {
	if s.opIDs[id] += delta; s.opIDs[id] <= 0 {
		delete(s.opIDs, id)
	}
}

// seen reports whether id was already applied, under either identity.
func (s *Session) seen(id string) bool {
	return s.opIDs[id] > 0
}

// armIdle starts the eviction countdown. Only the callback of the latest
// generation may evict.
func (s *Session) armIdle(d time.Duration, evict func(*Session, uint64)) {
	s.cancelIdle()
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(d, func() { evict(s, gen) })
}

// cancelIdle stops the countdown and invalidates a callback that already fired.
func (s *Session) cancelIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleGen++
}

func (s *Session) userList() []model.User {
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) memberIDs() []string {
	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) recentOperations(n int) []operation.Operation {
	from := 0
	if n > 0 && len(s.operations) > n {
		from = len(s.operations) - n
	}
	out := make([]operation.Operation, len(s.operations)-from)
	copy(out, s.operations[from:])
	return out
}

func (s *Session) view(historyLimit int) View {
	return View{
		SessionID:     s.id,
		Users:         s.userList(),
		DocumentState: s.state,
		Operations:    s.recentOperations(historyLimit),
		Locks:         s.locks.Active(),
	}
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:            s.id,
		ProjectID:     s.projectID,
		DatasetID:     s.datasetID,
		CreatedAt:     s.createdAt,
		Users:         s.userList(),
		Operations:    s.recentOperations(0),
		Locks:         s.locks.Active(),
		DocumentState: s.state,
		SubmittedIDs:  append([]string(nil), s.submitted...),
	}
}

func (s *Session) summary() model.SessionSummary {
	return model.SessionSummary{
		ID:             s.id,
		ProjectID:      s.projectID,
		DatasetID:      s.datasetID,
		CreatedAt:      s.createdAt,
		Status:         s.status.String(),
		UserCount:      len(s.users),
		OperationCount: len(s.operations),
		ActiveLocks:    len(s.locks.Active()),
	}
}

// restore rebuilds a session from a checkpoint. Users are not restored; they
// rejoin.
func restoreSession(snap Snapshot, now func() time.Time) *Session {
	s := newSession(snap.ID, snap.ProjectID, snap.DatasetID, now)
	s.createdAt = snap.CreatedAt
	s.state = snap.DocumentState
	if s.state.Annotations == nil {
		s.state.Annotations = make(map[string]map[string]any)
	}
	for i, op := range snap.Operations {
		submittedID := op.ID
		if i < len(snap.SubmittedIDs) && snap.SubmittedIDs[i] != "" {
			submittedID = snap.SubmittedIDs[i]
		}
		s.operations = append(s.operations, op)
		s.submitted = append(s.submitted, submittedID)
		s.trackIDs(op.ID, submittedID, 1)
		if op.Timestamp.After(s.lastTS[op.Actor]) {
			s.lastTS[op.Actor] = op.Timestamp
		}
	}
	s.locks.Restore(snap.Locks)
	return s
}
