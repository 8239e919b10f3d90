package config

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisRulesKey     = "netguard:rules"
	redisRulesChannel = "netguard:rules:updates"
	redisOpTimeout    = 5 * time.Second
)

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

var globalRedisSync redisSyncState

// EnableRedisSynchronization makes rule tables shared across instances: the stored table
// is loaded (or seeded from the local one) and later updates arrive over pub/sub.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Rules synchronization disabled: redis client is nil")
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		cancel()
		return
	}

	globalRedisSync.client = client
	globalRedisSync.ctx = syncCtx
	globalRedisSync.cancel = cancel
	globalRedisSync.mu.Unlock()

	loaded, err := loadRulesFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Rules sync: failed to load rule tables from redis", "error", err)
	}

	if !loaded {
		if err := SetRules(GetRules()); err != nil {
			log.Error("Rules sync: failed to publish rule tables to redis", "error", err)
		}
	}

	go subscribeToRulesUpdates(syncCtx, client)
}

// DisableRedisSynchronization stops the subscription started by EnableRedisSynchronization.
func DisableRedisSynchronization() {
	globalRedisSync.mu.Lock()
	defer globalRedisSync.mu.Unlock()

	if globalRedisSync.cancel != nil {
		globalRedisSync.cancel()
	}
	globalRedisSync.client = nil
	globalRedisSync.ctx = nil
	globalRedisSync.cancel = nil
}

func loadRulesFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisRulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	rules, err := ParseRules([]byte(payload))
	if err != nil {
		return false, err
	}

	if err := applyRulesUpdate(rules, rulesUpdateOptions{source: "redis"}); err != nil {
		return true, err
	}

	return true, nil
}

func subscribeToRulesUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisRulesChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Rules sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		rules, err := ParseRules([]byte(msg.Payload))
		if err != nil {
			log.Error("Rules sync: invalid payload", "error", err)
			continue
		}

		if rules.Version != "" && rules.Version == GetRules().Version {
			continue
		}

		if err := applyRulesUpdate(rules, rulesUpdateOptions{source: "redis"}); err != nil {
			log.Error("Rules sync: failed to apply remote update", "error", err)
		}
	}
}

func broadcastRulesUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	baseCtx := globalRedisSync.ctx
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisRulesKey, payload, 0).Err(); err != nil {
		return err
	}

	return client.Publish(opCtx, redisRulesChannel, payload).Err()
}
