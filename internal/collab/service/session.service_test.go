package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelroom/internal/collab/lock"
	"labelroom/internal/collab/model"
	"labelroom/internal/collab/operation"
	"labelroom/store"
)

type memCheckpoints struct {
	mu        sync.Mutex
	latest    map[string][]byte
	versions  map[string]uint64
	discarded []string
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{latest: make(map[string][]byte), versions: make(map[string]uint64)}
}

func (c *memCheckpoints) Mark(id string, version uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version > c.versions[id] {
		c.versions[id] = version
		c.latest[id] = data
	}
}

func (c *memCheckpoints) Discard(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded = append(c.discarded, id)
}

func (c *memCheckpoints) wasDiscarded(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.discarded {
		if d == id {
			return true
		}
	}
	return false
}

func (c *memCheckpoints) Get(_ context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.latest[id]
	if !ok {
		return nil, store.ErrSnapshotNotFound
	}
	return data, nil
}

type memArchive struct {
	mu      sync.Mutex
	records []store.Record
}

func (a *memArchive) Save(_ context.Context, rec store.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type memAudit struct {
	mu  sync.Mutex
	ops []operation.Operation
}

func (a *memAudit) Record(_ string, op operation.Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, op)
}

func user(id string) model.User {
	return model.User{ID: id, Name: "User " + id, Role: model.RoleAnnotator}
}

func textOp(id string, kind operation.Kind, pos, length int, content string, ts int64) operation.Operation {
	return operation.Operation{ID: id, Kind: kind, Position: pos, Length: length, Content: content, Timestamp: time.Unix(ts, 0)}
}

func annOp(id string, kind operation.Kind, annID string, ts int64, attrs map[string]any) operation.Operation {
	a := map[string]any{operation.AnnotationIDKey: annID}
	for k, v := range attrs {
		a[k] = v
	}
	return operation.Operation{ID: id, Kind: kind, Attributes: a, Timestamp: time.Unix(ts, 0)}
}

func TestCreateJoinAndRoomFull(t *testing.T) {
	m := NewSessionManager(Options{MaxUsers: 2}, Deps{})
	id, err := m.Create("p1", "ds-1", user("u1"))
	require.NoError(t, err)

	require.NoError(t, m.Join(id, user("u2")))
	assert.ErrorIs(t, m.Join(id, user("u3")), ErrRoomFull)
	assert.NoError(t, m.Join(id, user("u2")), "rejoin does not count against the cap")
	assert.ErrorIs(t, m.Join("missing", user("u4")), ErrSessionNotFound)

	assert.Equal(t, []string{"u1", "u2"}, m.Members(id))
	sid, ok := m.SessionOf("u2")
	require.True(t, ok)
	assert.Equal(t, id, sid)

	summary, err := m.Summary(id)
	require.NoError(t, err)
	assert.Equal(t, "ds-1", summary.DatasetID)
	assert.Equal(t, 2, summary.UserCount)
	assert.Equal(t, "active", summary.Status)

	h := m.Health()
	assert.Equal(t, 1, h.ActiveSessions)
	assert.Equal(t, 2, h.TotalUsers)
}

func TestJoinMovesUserBetweenSessions(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	a, _ := m.Create("p", "ds-a", user("u1"))
	b, _ := m.Create("p", "ds-b", user("u2"))

	require.NoError(t, m.Join(b, user("u1")))
	assert.Empty(t, m.Members(a))
	assert.Equal(t, []string{"u1", "u2"}, m.Members(b))
}

func TestEndToEndAnnotationScenario(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, err := m.Create("p1", "ds-1", user("U1"))
	require.NoError(t, err)
	require.NoError(t, m.Join(id, user("U2")))

	_, err = m.Submit(id, annOp("c1", operation.KindAnnotationCreate, "a1", 100, map[string]any{"label": "cat"}), "U1")
	require.NoError(t, err)
	_, err = m.Submit(id, annOp("u1", operation.KindAnnotationUpdate, "a1", 101, map[string]any{"label": "dog"}), "U2")
	require.NoError(t, err)

	snap, err := m.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "dog", snap.DocumentState.Annotations["a1"]["label"])
	assert.Len(t, snap.Operations, 2)
}

func TestSupersededAnnotationUpdateIsCancelled(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))
	_, err := m.Submit(id, annOp("c", operation.KindAnnotationCreate, "a1", 99, map[string]any{"label": "cat"}), "U1")
	require.NoError(t, err)

	_, err = m.Submit(id, annOp("late", operation.KindAnnotationUpdate, "a1", 102, map[string]any{"label": "dog"}), "U1")
	require.NoError(t, err)
	_, err = m.Submit(id, annOp("early", operation.KindAnnotationUpdate, "a1", 101, map[string]any{"label": "cow"}), "U2")
	assert.ErrorIs(t, err, ErrConflictCancelled)

	snap, _ := m.Snapshot(id)
	assert.Equal(t, "dog", snap.DocumentState.Annotations["a1"]["label"])
	assert.Len(t, snap.Operations, 2)
}

func TestConcurrentDeletesMerge(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))

	_, err := m.Submit(id, operation.Operation{ID: "seed", Kind: operation.KindInsert, Content: "abcdefgh", Timestamp: time.Unix(10, 0)}, "U1")
	require.NoError(t, err)

	_, err = m.Submit(id, textOp("d1", operation.KindDelete, 0, 5, "", 100), "U1")
	require.NoError(t, err)
	merged, err := m.Submit(id, textOp("d2", operation.KindDelete, 3, 5, "", 100), "U2")
	require.NoError(t, err)
	assert.Equal(t, 0, merged.Position)
	assert.Equal(t, 8, merged.Length)

	snap, _ := m.Snapshot(id)
	assert.Equal(t, "", snap.DocumentState.Text)
}

func TestConcurrentInsertIsShifted(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))
	_, err := m.Submit(id, operation.Operation{ID: "seed", Kind: operation.KindInsert, Content: "0123456789", Timestamp: time.Unix(1, 0)}, "U1")
	require.NoError(t, err)

	_, err = m.Submit(id, textOp("a", operation.KindInsert, 5, 0, "xy", 100), "U1")
	require.NoError(t, err)
	b, err := m.Submit(id, textOp("b", operation.KindInsert, 10, 0, "z", 100), "U2")
	require.NoError(t, err)
	assert.Equal(t, 12, b.Position)

	snap, _ := m.Snapshot(id)
	assert.Equal(t, "01234xy56789z", snap.DocumentState.Text)
}

func TestDuplicateOperationIsIgnored(t *testing.T) {
	audit := &memAudit{}
	m := NewSessionManager(Options{}, Deps{Audit: audit})
	id, _ := m.Create("p", "ds", user("U1"))

	op := textOp("same", operation.KindInsert, 0, 0, "hi", 1)
	_, err := m.Submit(id, op, "U1")
	require.NoError(t, err)
	_, err = m.Submit(id, op, "U1")
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	snap, _ := m.Snapshot(id)
	assert.Equal(t, "hi", snap.DocumentState.Text)
	assert.Len(t, audit.ops, 1)
}

func TestSubmitRequiresMembershipAndOverridesActor(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))

	_, err := m.Submit(id, textOp("x", operation.KindInsert, 0, 0, "a", 1), "stranger")
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = m.Submit("nope", textOp("x", operation.KindInsert, 0, 0, "a", 1), "U1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	op := textOp("y", operation.KindInsert, 0, 0, "a", 1)
	op.Actor = "U9"
	got, err := m.Submit(id, op, "U1")
	require.NoError(t, err)
	assert.Equal(t, "U1", got.Actor)
}

func TestTimestampsAreNonDecreasingPerActor(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	_, err := m.Submit(id, textOp("a", operation.KindInsert, 0, 0, "a", 50), "U1")
	require.NoError(t, err)
	got, err := m.Submit(id, textOp("b", operation.KindInsert, 0, 0, "b", 40), "U1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(50, 0), got.Timestamp)
}

func TestHistoryIsCapped(t *testing.T) {
	m := NewSessionManager(Options{HistorySize: 3}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	for i, c := range []string{"a", "b", "c", "d", "e"} {
		_, err := m.Submit(id, textOp(c, operation.KindInsert, i, 0, c, int64(i)), "U1")
		require.NoError(t, err)
	}
	snap, _ := m.Snapshot(id)
	require.Len(t, snap.Operations, 3)
	assert.Equal(t, "c", snap.Operations[0].ID)
	assert.Equal(t, "abcde", snap.DocumentState.Text, "state keeps evicted effects")

	// An id evicted from history is no longer a duplicate.
	_, err := m.Submit(id, textOp("a", operation.KindInsert, 5, 0, "f", 10), "U1")
	assert.NoError(t, err)
}

func TestCursorAndSelectionUpdateUserOnly(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))

	u, err := m.MoveCursor(id, "U1", 7)
	require.NoError(t, err)
	require.NotNil(t, u.CursorPosition)
	assert.Equal(t, 7, *u.CursorPosition)

	u, err = m.ChangeSelection(id, "U1", &operation.Selection{Start: 1, End: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, u.Selection.End)

	_, err = m.Submit(id, operation.Operation{ID: "c", Kind: operation.KindCursorMove, Position: 4, Timestamp: time.Unix(1, 0)}, "U1")
	require.NoError(t, err)
	snap, _ := m.Snapshot(id)
	assert.Equal(t, 4, *snap.Users[0].CursorPosition)
	assert.Equal(t, "", snap.DocumentState.Text)

	_, err = m.MoveCursor(id, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestLocksThroughManager(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	m := NewSessionManager(Options{LockTTL: 10 * time.Second, Now: clock, EnforceLocks: true}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))

	_, err := m.AcquireLock(id, "a1", "U1")
	require.NoError(t, err)
	_, err = m.AcquireLock(id, "a1", "U2")
	var conflict *lock.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "U1", conflict.HeldBy)

	_, err = m.Submit(id, annOp("x", operation.KindAnnotationUpdate, "a1", 1000, nil), "U2")
	assert.ErrorIs(t, err, lock.ErrLockConflict, "enforced locks reject non-holders")

	assert.ErrorIs(t, m.ReleaseLock(id, "a1", "U2"), ErrUnauthorizedRelease)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()
	swept := m.SweepLocks()
	require.Len(t, swept[id], 1)

	_, err = m.AcquireLock(id, "a1", "U2")
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(id, "a1", "U2"))
}

func TestLeaveReleasesLocksAndEvictsAfterIdle(t *testing.T) {
	archive := &memArchive{}
	checkpoints := newMemCheckpoints()
	m := NewSessionManager(Options{IdleTimeout: 50 * time.Millisecond}, Deps{Archive: archive, Checkpoints: checkpoints})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))
	_, err := m.AcquireLock(id, "a1", "U1")
	require.NoError(t, err)

	res, ok := m.Leave("U1")
	require.True(t, ok)
	assert.Equal(t, []string{"a1"}, res.ReleasedLocks)
	assert.Equal(t, []string{"U2"}, res.Remaining)

	_, ok = m.Leave("U1")
	assert.False(t, ok)

	_, ok = m.Leave("U2")
	require.True(t, ok)
	summary, err := m.Summary(id)
	require.NoError(t, err, "idle session remains queryable")
	assert.Equal(t, "idle", summary.Status)

	require.Eventually(t, func() bool {
		_, err := m.Summary(id)
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return archive.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, checkpoints.wasDiscarded(id))
}

func TestRejoinCancelsEviction(t *testing.T) {
	m := NewSessionManager(Options{IdleTimeout: 30 * time.Millisecond}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	m.Leave("U1")
	require.NoError(t, m.Join(id, user("U1")))

	time.Sleep(80 * time.Millisecond)
	summary, err := m.Summary(id)
	require.NoError(t, err)
	assert.Equal(t, "active", summary.Status)
}

func TestJoinOrCreateRecoversFromCheckpoint(t *testing.T) {
	checkpoints := newMemCheckpoints()
	first := NewSessionManager(Options{}, Deps{Checkpoints: checkpoints})
	id, _ := first.Create("p", "ds", user("U1"))
	_, err := first.Submit(id, annOp("c", operation.KindAnnotationCreate, "a1", 1, map[string]any{"label": "cat"}), "U1")
	require.NoError(t, err)

	raw, err := checkpoints.Get(context.Background(), id)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, "cat", snap.DocumentState.Annotations["a1"]["label"])

	// A fresh process recovers the session from the checkpoint.
	second := NewSessionManager(Options{}, Deps{Snapshots: checkpoints})
	view, created, err := second.JoinOrCreate(context.Background(), model.JoinRequest{ProjectID: "p", DatasetID: "ds", SessionID: id, User: user("U2")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, view.SessionID)
	assert.Equal(t, "cat", view.DocumentState.Annotations["a1"]["label"])
	assert.Len(t, view.Operations, 1)
	require.Len(t, view.Users, 1)
	assert.Equal(t, "U2", view.Users[0].ID)

	_, err = second.Submit(id, annOp("c", operation.KindAnnotationCreate, "a1", 2, nil), "U2")
	assert.ErrorIs(t, err, ErrDuplicateOperation, "recovered history still deduplicates")
}

func TestJoinOrCreateFallsBackToCreate(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{Snapshots: newMemCheckpoints()})
	view, created, err := m.JoinOrCreate(context.Background(), model.JoinRequest{ProjectID: "p", DatasetID: "ds", SessionID: "unknown", User: user("U1")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "unknown", view.SessionID)
	assert.Len(t, m.List(), 1)
}

func TestSessionsProgressInParallel(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		id, err := m.Create("p", "ds", user("owner"+string(rune('a'+s))))
		require.NoError(t, err)
		wg.Add(1)
		go func(id, actor string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := m.Submit(id, textOp(actor+string(rune('A'+i)), operation.KindInsert, 0, 0, "x", int64(i)), actor)
				assert.NoError(t, err)
			}
		}(id, "owner"+string(rune('a'+s)))
	}
	wg.Wait()
	for _, s := range m.List() {
		assert.Equal(t, 50, s.OperationCount)
	}
}

func TestResubmittedMergedDeleteIsDuplicate(t *testing.T) {
	checkpoints := newMemCheckpoints()
	m := NewSessionManager(Options{}, Deps{Checkpoints: checkpoints})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))

	_, err := m.Submit(id, operation.Operation{ID: "seed", Kind: operation.KindInsert, Content: "abcdefghijklmnop", Timestamp: time.Unix(10, 0)}, "U1")
	require.NoError(t, err)
	_, err = m.Submit(id, textOp("d1", operation.KindDelete, 0, 5, "", 100), "U1")
	require.NoError(t, err)
	merged, err := m.Submit(id, textOp("d2", operation.KindDelete, 3, 5, "", 101), "U2")
	require.NoError(t, err)
	assert.Equal(t, "d1", merged.ID, "the merged delete takes the earlier id")

	snap, _ := m.Snapshot(id)
	require.Equal(t, "nop", snap.DocumentState.Text)

	_, err = m.Submit(id, textOp("d2", operation.KindDelete, 3, 5, "", 102), "U2")
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	snap, _ = m.Snapshot(id)
	assert.Equal(t, "nop", snap.DocumentState.Text)

	// The submitted id survives a checkpoint round trip.
	recovered := NewSessionManager(Options{}, Deps{Snapshots: checkpoints})
	_, _, err = recovered.JoinOrCreate(context.Background(), model.JoinRequest{SessionID: id, User: user("U2")})
	require.NoError(t, err)
	_, err = recovered.Submit(id, textOp("d2", operation.KindDelete, 3, 5, "", 103), "U2")
	assert.ErrorIs(t, err, ErrDuplicateOperation)
}

func TestPublishFollowsHistoryOrder(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	require.NoError(t, m.Join(id, user("U2")))

	var mu sync.Mutex
	var published []string
	publish := func(accepted operation.Operation, members []string) {
		mu.Lock()
		defer mu.Unlock()
		assert.ElementsMatch(t, []string{"U1", "U2"}, members)
		published = append(published, accepted.ID)
	}

	var wg sync.WaitGroup
	for _, actor := range []string{"U1", "U2"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := m.SubmitAndPublish(id, textOp(actor+string(rune('A'+i)), operation.KindInsert, 0, 0, "x", 1), actor, publish)
				assert.NoError(t, err)
			}
		}(actor)
	}
	wg.Wait()

	snap, _ := m.Snapshot(id)
	var history []string
	for _, op := range snap.Operations {
		history = append(history, op.ID)
	}
	assert.Equal(t, history, published)
}

func TestStaleIdleTimerDoesNotEvict(t *testing.T) {
	m := NewSessionManager(Options{IdleTimeout: time.Hour}, Deps{})
	id, _ := m.Create("p", "ds", user("U1"))
	s := m.get(id)

	m.Leave("U1")
	s.mu.Lock()
	stale := s.idleGen
	s.mu.Unlock()

	require.NoError(t, m.Join(id, user("U1")))
	m.Leave("U1")

	// The first timer fires after the session went idle a second time.
	m.evict(s, stale)
	summary, err := m.Summary(id)
	require.NoError(t, err)
	assert.Equal(t, "idle", summary.Status)

	s.mu.Lock()
	current := s.idleGen
	s.mu.Unlock()
	m.evict(s, current)
	_, err = m.Summary(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoinOrCreateUnknownSessionWithoutDataset(t *testing.T) {
	m := NewSessionManager(Options{}, Deps{Snapshots: newMemCheckpoints()})
	_, created, err := m.JoinOrCreate(context.Background(), model.JoinRequest{SessionID: "unknown", User: user("U1")})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, created)
	assert.Empty(t, m.List())

	_, _, err = m.JoinOrCreate(context.Background(), model.JoinRequest{User: user("U1")})
	assert.ErrorIs(t, err, ErrDatasetRequired)
}
