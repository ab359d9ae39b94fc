package repository

import (
	"context"
	"sync"
	"time"
)

// SnapshotWriter is the subset of the checkpoint gateway the worker needs.
type SnapshotWriter interface {
	Put(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

type pendingSnapshot struct {
	version uint64
	data    []byte
}

// CheckpointWorker batches session snapshots and writes them to the gateway
// on a ticker, outside every session lock. Only the newest version of each
// session is kept; a failed write stays dirty and is retried on the next tick.
type CheckpointWorker struct {
	writer   SnapshotWriter
	ttl      time.Duration
	interval time.Duration

	mu      sync.Mutex
	dirty   map[string]pendingSnapshot
	deletes map[string]bool

	flushMu sync.Mutex
}

func NewCheckpointWorker(writer SnapshotWriter, ttl, interval time.Duration) *CheckpointWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &CheckpointWorker{
		writer:   writer,
		ttl:      ttl,
		interval: interval,
		dirty:    make(map[string]pendingSnapshot),
		deletes:  make(map[string]bool),
	}
}

// Mark records a snapshot for sessionID unless a newer one is already queued.
func (w *CheckpointWorker) Mark(sessionID string, version uint64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.dirty[sessionID]; ok && cur.version >= version {
		return
	}
	w.dirty[sessionID] = pendingSnapshot{version: version, data: data}
	delete(w.deletes, sessionID)
}

// Discard drops any queued snapshot and schedules the stored one for deletion.
func (w *CheckpointWorker) Discard(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirty, sessionID)
	w.deletes[sessionID] = true
}

// Pending reports how many sessions are waiting to be written.
func (w *CheckpointWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

func (w *CheckpointWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.Flush(flushCtx)
			cancel()
			return nil
		}
	}
}

// Flush writes every dirty snapshot and applies pending deletions.
func (w *CheckpointWorker) Flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	toSave := make(map[string]pendingSnapshot, len(w.dirty))
	for id, p := range w.dirty {
		toSave[id] = p
	}
	toDelete := make([]string, 0, len(w.deletes))
	for id := range w.deletes {
		toDelete = append(toDelete, id)
	}
	w.deletes = make(map[string]bool)
	w.mu.Unlock()

	for id, p := range toSave {
		if err := w.writer.Put(ctx, id, p.data, w.ttl); err != nil {
			continue
		}
		w.mu.Lock()
		// Only clean if nothing newer arrived while writing.
		if cur, ok := w.dirty[id]; ok && cur.version == p.version {
			delete(w.dirty, id)
		}
		w.mu.Unlock()
	}

	for _, id := range toDelete {
		if err := w.writer.Delete(ctx, id); err != nil {
			w.mu.Lock()
			if _, remarked := w.dirty[id]; !remarked {
				w.deletes[id] = true
			}
			w.mu.Unlock()
		}
	}
}
