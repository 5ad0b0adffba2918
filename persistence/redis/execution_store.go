package redis

import (
	"context"
	"errors"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const EXECUTION_KEY string = "EXEC"
const RESUMABLE_KEY string = "EXEC_OPEN"

type redisExecutionStore struct {
	*baseDao
	codec util.EncoderDecoder[model.WorkflowExecution]
}

var _ persistence.ExecutionStore = new(redisExecutionStore)

func NewExecutionStore(conf Config) *redisExecutionStore {
	return &redisExecutionStore{
		baseDao: newBaseDao(conf),
		codec:   util.NewJsonEncoderDecoder[model.WorkflowExecution](),
	}
}

func (r *redisExecutionStore) Save(execution *model.WorkflowExecution) error {
	key := r.getNamespaceKey(EXECUTION_KEY)
	openKey := r.getNamespaceKey(RESUMABLE_KEY)
	ctx := context.Background()
	data, err := r.codec.Encode(*execution)
	if err != nil {
		return err
	}
	pipe := r.redisClient.TxPipeline()
	pipe.HSet(ctx, key, execution.Id, data)
	if execution.Status.Terminal() {
		pipe.SRem(ctx, openKey, execution.Id)
	} else {
		pipe.SAdd(ctx, openKey, execution.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error saving execution", zap.String("executionId", execution.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisExecutionStore) Load(executionId string) (*model.WorkflowExecution, error) {
	key := r.getNamespaceKey(EXECUTION_KEY)
	ctx := context.Background()
	data, err := r.redisClient.HGet(ctx, key, executionId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		logger.Error("error loading execution", zap.String("executionId", executionId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.codec.Decode([]byte(data))
}

func (r *redisExecutionStore) AppendHistory(executionId string, entry model.HistoryEntry) error {
	execution, err := r.Load(executionId)
	if err != nil {
		return err
	}
	execution.History = append(execution.History, entry)
	return r.Save(execution)
}

func (r *redisExecutionStore) ListResumable() ([]*model.WorkflowExecution, error) {
	openKey := r.getNamespaceKey(RESUMABLE_KEY)
	ctx := context.Background()
	ids, err := r.redisClient.SMembers(ctx, openKey).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]*model.WorkflowExecution, 0, len(ids))
	for _, id := range ids {
		execution, err := r.Load(id)
		if err != nil {
			logger.Error("error loading resumable execution", zap.String("executionId", id), zap.Error(err))
			continue
		}
		if !execution.Status.Terminal() {
			out = append(out, execution)
		}
	}
	return out, nil
}
