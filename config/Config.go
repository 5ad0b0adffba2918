package config

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type CatchUpPolicy string

const CATCH_UP_ALL_BOUNDARIES CatchUpPolicy = "ALL_BOUNDARIES"
const CATCH_UP_LATEST CatchUpPolicy = "LATEST"

type Config struct {
	HttpPort       int
	StorageType    StorageType
	RedisConfig    RedisStorageConfig
	ExecutorConfig ExecutorConfig
	TriggerConfig  TriggerConfig
	QuotaConfig    QuotaConfig
	WebhookSecrets map[string]string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type ExecutorConfig struct {
	// Capacity bounds the submission queue; Concurrency bounds how many
	// executions are driven at once.
	Capacity            int
	Concurrency         int
	MaxParallelBranches int
	DefaultMaxAttempts  int
	BaseDelaySeconds    int
	MaxDelaySeconds     int
	JoinTimeoutSeconds  int
	WakeupTickMillis    int
}

type TriggerConfig struct {
	CatchUpPolicy CatchUpPolicy
	TickMillis    int
}

type QuotaConfig struct {
	// TenantQuota caps concurrent executions per tenant; DefaultWorkflowCap
	// applies to definitions that do not set their own maxConcurrent.
	TenantQuota        int
	DefaultWorkflowCap int
}
