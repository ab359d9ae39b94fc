package lock

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrLockConflict = errors.New("annotation is locked by another user")

// ConflictError reports the current holder of a contested lock.
type ConflictError struct {
	AnnotationID string
	HeldBy       string
	ExpiresAt    time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("annotation %s is locked by %s until %s", e.AnnotationID, e.HeldBy, e.ExpiresAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrLockConflict }

// AnnotationLock is an exclusive, time-bounded claim on one annotation.
type AnnotationLock struct {
	AnnotationID string    `json:"annotation_id"`
	Holder       string    `json:"user_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether now is past the lock's expiry.
func (l AnnotationLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Table holds the locks of one session. It is not safe for concurrent use;
// the owning session serializes access. Expired locks are treated as absent
// on every access and removed by Sweep.
type Table struct {
	locks map[string]AnnotationLock
	now   func() time.Time
}

func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{locks: make(map[string]AnnotationLock), now: now}
}

// Acquire grants the lock when it is free, expired, or already held by actor.
// Re-acquiring extends the TTL from now.
func (t *Table) Acquire(annotationID, actor string, ttl time.Duration) (AnnotationLock, error) {
	now := t.now()
	if cur, ok := t.locks[annotationID]; ok && !cur.Expired(now) && cur.Holder != actor {
		return AnnotationLock{}, &ConflictError{AnnotationID: annotationID, HeldBy: cur.Holder, ExpiresAt: cur.ExpiresAt}
	}
	l := AnnotationLock{
		AnnotationID: annotationID,
		Holder:       actor,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	t.locks[annotationID] = l
	return l, nil
}

// Release removes the lock only when actor holds it.
func (t *Table) Release(annotationID, actor string) bool {
	cur, ok := t.locks[annotationID]
	if !ok || cur.Holder != actor {
		return false
	}
	delete(t.locks, annotationID)
	return !cur.Expired(t.now())
}

// ReleaseAll drops every lock held by actor and returns the annotation ids
// whose locks were still live.
func (t *Table) ReleaseAll(actor string) []string {
	now := t.now()
	var released []string
	for id, l := range t.locks {
		if l.Holder != actor {
			continue
		}
		delete(t.locks, id)
		if !l.Expired(now) {
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released
}

// Holder returns the live lock on annotationID, if any.
func (t *Table) Holder(annotationID string) (AnnotationLock, bool) {
	l, ok := t.locks[annotationID]
	if !ok || l.Expired(t.now()) {
		return AnnotationLock{}, false
	}
	return l, true
}

// Sweep removes expired locks and returns them.
func (t *Table) Sweep() []AnnotationLock {
	now := t.now()
	var expired []AnnotationLock
	for id, l := range t.locks {
		if l.Expired(now) {
			delete(t.locks, id)
			expired = append(expired, l)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].AnnotationID < expired[j].AnnotationID })
	return expired
}

// Active lists live locks ordered by annotation id.
func (t *Table) Active() []AnnotationLock {
	now := t.now()
	out := make([]AnnotationLock, 0, len(t.locks))
	for _, l := range t.locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnnotationID < out[j].AnnotationID })
	return out
}

// Restore loads previously checkpointed locks, skipping expired ones.
func (t *Table) Restore(locks []AnnotationLock) {
	now := t.now()
	for _, l := range locks {
		if !l.Expired(now) {
			t.locks[l.AnnotationID] = l
		}
	}
}
