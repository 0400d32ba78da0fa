package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/a2aflow/internal/tlsutil"
)

// RedisTaskStore is a Redis-based implementation of TaskStore.
// Each record is a JSON string key; sorted sets index records by creation
// time globally and per agent. Updates use WATCH/MULTI optimistic
// transactions so concurrent writers to one task are serialized.
type RedisTaskStore struct {
	client     *redis.Client
	keyPrefix  string
	maxRetries int
	now        func() time.Time
}

// NewRedisTaskStore creates a new Redis-based task store and checks connectivity.
func NewRedisTaskStore(config StoreConfig) (*RedisTaskStore, error) {
	opts := &redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	}
	if config.Redis.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	timeout := config.Redis.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisTaskStoreWithClient(client, config.Redis), nil
}

// NewRedisTaskStoreWithClient wraps an existing client.
func NewRedisTaskStoreWithClient(client *redis.Client, config RedisStoreConfig) *RedisTaskStore {
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "a2aflow:"
	}
	retries := config.MaxTxRetries
	if retries <= 0 {
		retries = 16
	}
	return &RedisTaskStore{
		client:     client,
		keyPrefix:  keyPrefix + "task:",
		maxRetries: retries,
		now:        time.Now,
	}
}

// Close closes the store
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// dataKey returns the Redis key for a task record
func (s *RedisTaskStore) dataKey(agentID, taskID string) string {
	return s.keyPrefix + "data:" + taskKey(agentID, taskID)
}

// agentKey returns the Redis key for an agent's task index
func (s *RedisTaskStore) agentKey(agentID string) string {
	return s.keyPrefix + "agent:" + agentID
}

// allTasksKey returns the Redis key for all tasks index
func (s *RedisTaskStore) allTasksKey() string {
	return s.keyPrefix + "all"
}

// Get reads the committed record without watching the key.
func (s *RedisTaskStore) Get(ctx context.Context, agentID, taskID string) (*TaskRecord, error) {
	data, err := s.client.Get(ctx, s.dataKey(agentID, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	return decodeRecord(data)
}

// Update performs an optimistic read-modify-write on the task key.
func (s *RedisTaskStore) Update(ctx context.Context, agentID, taskID string, fn UpdateFunc) (*TaskRecord, error) {
	if err := validateKey(agentID, taskID); err != nil {
		return nil, err
	}
	key := s.dataKey(agentID, taskID)

	var result *TaskRecord
	txf := func(tx *redis.Tx) error {
		var cur *TaskRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decodeRecord(data); err != nil {
				return err
			}
		}

		next, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = cur
			return nil
		}
		next = next.Clone()
		if err := commitRecord(cur, next, agentID, taskID, s.now()); err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if cur == nil {
				member := redis.Z{Score: float64(next.CreatedAt.UnixNano()), Member: taskKey(agentID, taskID)}
				pipe.ZAdd(ctx, s.allTasksKey(), member)
				pipe.ZAdd(ctx, s.agentKey(agentID), member)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result.Clone(), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, s.mapErr(err)
	}
	return nil, fmt.Errorf("%w: task %s after %d attempts", ErrConflict, taskID, s.maxRetries)
}

// List retrieves tasks matching the filter criteria
func (s *RedisTaskStore) List(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	indexKey := s.allTasksKey()
	if filter.AgentID != "" {
		indexKey = s.agentKey(filter.AgentID)
	}
	members, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	if len(members) == 0 {
		return []*TaskRecord{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.keyPrefix + "data:" + m
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}

	result := make([]*TaskRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.matches(rec) {
			result = append(result, rec)
		}
	}
	return filter.apply(result), nil
}

func (s *RedisTaskStore) mapErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrStoreClosed
	}
	return err
}

func decodeRecord(data []byte) (*TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &rec, nil
}
