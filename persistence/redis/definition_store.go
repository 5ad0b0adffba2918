package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const DEFINITION_KEY string = "DEF"
const ACTIVE_KEY string = "ACTIVE"

type redisDefinitionStore struct {
	*baseDao
	codec util.EncoderDecoder[model.WorkflowDefinition]
}

var _ persistence.DefinitionStore = new(redisDefinitionStore)

func NewDefinitionStore(conf Config) *redisDefinitionStore {
	return &redisDefinitionStore{
		baseDao: newBaseDao(conf),
		codec:   util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
	}
}

func (rd *redisDefinitionStore) versionField(version int) string {
	return fmt.Sprintf("%d", version)
}

func (rd *redisDefinitionStore) SaveVersion(def *model.WorkflowDefinition, activate bool) error {
	key := rd.getNamespaceKey(DEFINITION_KEY, def.Id)
	ctx := context.Background()
	data, err := rd.codec.Encode(*def)
	if err != nil {
		return err
	}
	// HSetNX keeps published versions immutable; the activation pointer is
	// the only thing that moves.
	set, err := rd.redisClient.HSetNX(ctx, key, rd.versionField(def.Version), data).Result()
	if err != nil {
		logger.Error("error saving workflow definition", zap.String("workflow", def.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if !set {
		return persistence.StorageLayerError{Message: fmt.Sprintf("version %d of %s already exists", def.Version, def.Id)}
	}
	if activate {
		activeKey := rd.getNamespaceKey(ACTIVE_KEY)
		if err := rd.redisClient.HSet(ctx, activeKey, def.Id, def.Version).Err(); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	return nil
}

func (r *redisDefinitionStore) GetActive(workflowId string) (*model.WorkflowDefinition, error) {
	ctx := context.Background()
	activeKey := r.getNamespaceKey(ACTIVE_KEY)
	version, err := r.redisClient.HGet(ctx, activeKey, workflowId).Int()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	def, err := r.GetVersion(workflowId, version)
	if err != nil {
		return nil, err
	}
	def.IsActive = true
	return def, nil
}

func (r *redisDefinitionStore) GetVersion(workflowId string, version int) (*model.WorkflowDefinition, error) {
	ctx := context.Background()
	key := r.getNamespaceKey(DEFINITION_KEY, workflowId)
	data, err := r.redisClient.HGet(ctx, key, r.versionField(version)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.codec.Decode([]byte(data))
}

func (r *redisDefinitionStore) ListActive() ([]*model.WorkflowDefinition, error) {
	ctx := context.Background()
	activeKey := r.getNamespaceKey(ACTIVE_KEY)
	entries, err := r.redisClient.HGetAll(ctx, activeKey).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defs := make([]*model.WorkflowDefinition, 0, len(entries))
	for workflowId := range entries {
		def, err := r.GetActive(workflowId)
		if err != nil {
			logger.Error("error loading active definition", zap.String("workflow", workflowId), zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (r *redisDefinitionStore) Deactivate(workflowId string) error {
	ctx := context.Background()
	activeKey := r.getNamespaceKey(ACTIVE_KEY)
	if err := r.redisClient.HDel(ctx, activeKey, workflowId).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisDefinitionStore) UpdateStats(workflowId string, version int, fn func(*model.ExecutionStats)) error {
	def, err := r.GetVersion(workflowId, version)
	if err != nil {
		return err
	}
	fn(&def.Stats)
	data, err := r.codec.Encode(*def)
	if err != nil {
		return err
	}
	ctx := context.Background()
	key := r.getNamespaceKey(DEFINITION_KEY, workflowId)
	if err := r.redisClient.HSet(ctx, key, r.versionField(version), data).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
