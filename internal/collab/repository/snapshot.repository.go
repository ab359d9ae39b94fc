package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"labelroom/pkg/logger"
	"labelroom/store"
)

const snapshotKeyPrefix = "labelroom:session:"

// SnapshotRepository is the checkpoint gateway. Entries are plain strings with
// a TTL; a lost entry only weakens crash recovery.
type SnapshotRepository struct {
	rdb redis.UniversalClient
}

func NewSnapshotRepository(rdb redis.UniversalClient) *SnapshotRepository {
	return &SnapshotRepository{rdb: rdb}
}

func snapshotKey(sessionID string) string {
	return snapshotKeyPrefix + sessionID
}

func (r *SnapshotRepository) Put(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error {
	err := r.rdb.Set(ctx, snapshotKey(sessionID), data, ttl).Err()
	if err != nil {
		logger.Sugar.Errorf("Failed to checkpoint session %s: %v", sessionID, err)
	}
	return err
}

func (r *SnapshotRepository) Get(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, snapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load checkpoint for session %s: %v", sessionID, err)
		return nil, err
	}
	return data, nil
}

func (r *SnapshotRepository) Delete(ctx context.Context, sessionID string) error {
	err := r.rdb.Del(ctx, snapshotKey(sessionID)).Err()
	if err != nil {
		logger.Sugar.Errorf("Failed to delete checkpoint for session %s: %v", sessionID, err)
	}
	return err
}
