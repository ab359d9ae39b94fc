package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"labelroom/pkg/logger"
)

// Connect returns a client for the checkpoint gateway, or nil when addr is
// empty or the server does not answer.
func Connect(addr, password string, db int) *redis.Client {
	if addr == "" {
		logger.Sugar.Info("REDIS_ADDR not set, checkpoints disabled")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Sugar.Errorf("Failed to connect to redis at %s, checkpoints disabled: %v", addr, err)
		rdb.Close()
		return nil
	}
	logger.Sugar.Infof("Connected to redis at %s", addr)
	return rdb
}
