package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "netguard:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second

	heartbeatScanCount = 100
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// InstanceID identifies this process in the heartbeat keyspace.
func InstanceID() string {
	return instanceID
}

// StartInstanceHeartbeat keeps keyPrefix+InstanceID alive until ctx is done, then
// removes it so the instance count drops without waiting for the TTL.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, keyPrefix string, interval, ttl time.Duration) {
	heartbeatKey := keyPrefix + instanceID

	sendHeartbeat := func() {
		if err := client.SetEx(ctx, heartbeatKey, "alive", ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Del(cleanupCtx, heartbeatKey).Err()
			cancel()
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// CountActiveInstances counts the live heartbeat keys.
func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, InstanceHeartbeatKeyPrefix+"*", heartbeatScanCount).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}
