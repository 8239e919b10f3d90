package support

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second

	leaderRetryDelay   = time.Second
	leaderCallTimeout  = 5 * time.Second
	minLeaderHeartbeat = time.Second
)

// errLeadershipLost is reported when the lock expired or was taken over between renewals.
var errLeadershipLost = errors.New("support: leadership lost")

// Both scripts only touch the key while it still holds our token.
var (
	extendLeaderScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])`)

	dropLeaderScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call("DEL", KEYS[1])`)
)

// RunWithLeader runs job on one instance at a time. With redis the job receives a context
// that is cancelled as soon as the lock cannot be extended, and another attempt is made
// once it returns. Without redis job runs directly.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, job func(context.Context)) error {
	if job == nil {
		return errors.New("support: leader job cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	client, err := GetRedisClient()
	switch {
	case errors.Is(err, ErrRedisNotConfigured):
		log.Debug("Running job without leader election", "key", key)
		job(ctx)
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("support: leader election for %s: %w", key, err)
	}

	lock := &leaderLock{client: client, key: key, ttl: ttl}
	for {
		held, err := lock.tryAcquire(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("Leader election failed", "key", key, "error", err)
		}
		if held {
			lock.lead(ctx, job)
		}
		if !sleepCtx(ctx, leaderRetryDelay) {
			return ctx.Err()
		}
	}
}

// leaderLock is a redis key holding a random token for as long as one instance leads.
type leaderLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func (l *leaderLock) tryAcquire(ctx context.Context) (bool, error) {
	token, err := newLeaderToken()
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	l.token = token
	return true, nil
}

// lead runs job while a heartbeat keeps extending the lock, then releases it.
func (l *leaderLock) lead(ctx context.Context, job func(context.Context)) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	heartbeatDone := make(chan struct{})

	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(leaderHeartbeat(l.ttl))
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := l.extend(); err != nil {
					log.Warn("Stepping down as leader", "key", l.key, "error", err)
					cancel(err)
					return
				}
			}
		}
	}()

	log.Debug("Acquired leadership", "key", l.key)
	job(jobCtx)
	cancel(nil)
	<-heartbeatDone

	if err := l.release(); err != nil {
		log.Warn("Failed to release leadership", "key", l.key, "error", err)
	}
}

func (l *leaderLock) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderCallTimeout)
	defer cancel()

	n, err := extendLeaderScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLeadershipLost
	}
	return nil
}

func (l *leaderLock) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderCallTimeout)
	defer cancel()

	err := dropLeaderScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// leaderHeartbeat extends the lock three times per ttl, never more than once a second.
func leaderHeartbeat(ttl time.Duration) time.Duration {
	return max(ttl/3, minLeaderHeartbeat)
}

func newLeaderToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("support: leader token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
