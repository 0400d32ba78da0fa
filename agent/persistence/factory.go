package persistence

import (
	"fmt"
)

// NewTaskStore 按配置创建任务存储，Type 为空时使用内存存储
func NewTaskStore(config StoreConfig) (TaskStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryTaskStore(), nil
	case StoreTypeRedis:
		return NewRedisTaskStore(config)
	default:
		return nil, fmt.Errorf("unsupported task store type: %s", config.Type)
	}
}
