package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/persistence"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const WAKEUP_KEY string = "WAKEUP"

// redisWakeupQueue stores wakeups in a sorted set scored by fire time. Due
// members survive downtime and are drained on the next poll.
type redisWakeupQueue struct {
	*baseDao
}

var _ persistence.WakeupQueue = new(redisWakeupQueue)

func NewWakeupQueue(conf Config) *redisWakeupQueue {
	return &redisWakeupQueue{
		baseDao: newBaseDao(conf),
	}
}

func (r *redisWakeupQueue) Schedule(executionId string, at time.Time) error {
	key := r.getNamespaceKey(WAKEUP_KEY)
	ctx := context.Background()
	member := rd.Z{
		Score:  float64(at.UnixMilli()),
		Member: executionId,
	}
	if err := r.redisClient.ZAdd(ctx, key, member).Err(); err != nil {
		logger.Error("error scheduling wakeup", zap.String("executionId", executionId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisWakeupQueue) PollDue(now time.Time) ([]string, error) {
	key := r.getNamespaceKey(WAKEUP_KEY)
	ctx := context.Background()
	max := strconv.FormatInt(now.UnixMilli(), 10)
	pipe := r.redisClient.Pipeline()
	opt := &rd.ZRangeBy{
		Min: "0",
		Max: max,
	}
	zr := pipe.ZRangeByScore(ctx, key, opt)
	pipe.ZRemRangeByScore(ctx, key, "0", max)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error polling wakeup queue", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	res, err := zr.Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []string{}, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return res, nil
}
