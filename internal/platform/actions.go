package platform

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/covenant/internal/model"
)

// MemoryActions records platform actions in memory.
type MemoryActions struct {
	mu   sync.RWMutex
	done map[actionKey]bool
}

type actionKey struct {
	account int64
	action  model.ActionType
	message int64
}

// NewMemoryActions creates an empty action record.
func NewMemoryActions() *MemoryActions {
	return &MemoryActions{done: make(map[actionKey]bool)}
}

// Record marks that accountID performed action on messageID.
func (a *MemoryActions) Record(_ context.Context, accountID int64, action model.ActionType, messageID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done[actionKey{accountID, action, messageID}] = true
	return nil
}

// HasPerformed reports whether accountID already performed action on messageID.
func (a *MemoryActions) HasPerformed(_ context.Context, accountID int64, action model.ActionType, messageID int64) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.done[actionKey{accountID, action, messageID}], nil
}

// RedisActions records platform actions in Redis sets, one set of account ids
// per action and message.
type RedisActions struct {
	client *redis.Client
}

// NewRedisActions creates a checker backed by client.
func NewRedisActions(client *redis.Client) *RedisActions {
	return &RedisActions{client: client}
}

// actionsKey returns the key for the accounts that performed action on messageID.
func actionsKey(action model.ActionType, messageID int64) string {
	return fmt.Sprintf("covenant:actions:%s:%d", action, messageID)
}

// Record marks that accountID performed action on messageID.
func (a *RedisActions) Record(ctx context.Context, accountID int64, action model.ActionType, messageID int64) error {
	return a.client.SAdd(ctx, actionsKey(action, messageID), strconv.FormatInt(accountID, 10)).Err()
}

// HasPerformed reports whether accountID already performed action on messageID.
func (a *RedisActions) HasPerformed(ctx context.Context, accountID int64, action model.ActionType, messageID int64) (bool, error) {
	ok, err := a.client.SIsMember(ctx, actionsKey(action, messageID), strconv.FormatInt(accountID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("check %s on %d: %w", action, messageID, err)
	}
	return ok, nil
}

// OpenRedis connects to the Redis server at url and checks it answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
