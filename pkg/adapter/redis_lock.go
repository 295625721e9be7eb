package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/redis/go-redis/v9"
)

const defaultTurnLockExpiry = 2 * time.Minute

// RedisTurnLock is a distributed per-conversation mutex on Redis
type RedisTurnLock struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	expiry time.Duration
}

var _ interfaces.TurnLocker = (*RedisTurnLock)(nil)

type RedisTurnLockOption func(*RedisTurnLock)

// WithTurnLockExpiry sets how long a lock survives a crashed holder. A live
// holder extends it every third of the expiry. Non-positive values are
// ignored.
func WithTurnLockExpiry(d time.Duration) RedisTurnLockOption {
	return func(x *RedisTurnLock) {
		if d > 0 {
			x.expiry = d
		}
	}
}

// NewRedisTurnLock connects to Redis. redisURL follows the redis:// URL form.
func NewRedisTurnLock(ctx context.Context, redisURL string, opts ...RedisTurnLockOption) (*RedisTurnLock, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse redis URL")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{parsed.Addr},
		Username: parsed.Username,
		Password: parsed.Password,
		DB:       parsed.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", parsed.Addr))
	}

	x := &RedisTurnLock{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: defaultTurnLockExpiry,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

func lockName(id model.ConversationID) string {
	return "parley:turn:" + id.String()
}

// Lock blocks until the conversation is free, the retry budget of redsync is
// spent or ctx is done. The lock is extended in the background until the
// returned release func is called.
func (x *RedisTurnLock) Lock(ctx context.Context, id model.ConversationID) (func(), error) {
	mutex := x.rs.NewMutex(lockName(id), redsync.WithExpiry(x.expiry))

	if err := mutex.LockContext(ctx); err != nil {
		return nil, goerr.Wrap(model.Categorize(model.ErrStorage, err), "failed to lock conversation",
			goerr.V("conversation_id", id))
	}

	// The turn may have been canceled, so lock maintenance uses a fresh context.
	bgCtx := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		x.keepExtended(bgCtx, mutex, id, stop)
	}()

	release := sync.OnceFunc(func() {
		close(stop)
		<-stopped

		unlockCtx, cancel := context.WithTimeout(bgCtx, 5*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			logging.From(ctx).Warn("failed to unlock conversation", "conversation_id", id, "error", err)
		}
	})
	return release, nil
}

func (x *RedisTurnLock) keepExtended(ctx context.Context, mutex *redsync.Mutex, id model.ConversationID, stop <-chan struct{}) {
	ticker := time.NewTicker(x.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			ok, err := mutex.ExtendContext(extendCtx)
			cancel()
			if err != nil || !ok {
				logging.From(ctx).Warn("failed to extend conversation lock",
					"conversation_id", id,
					"error", err,
				)
				return
			}
		}
	}
}

func (x *RedisTurnLock) Close() error {
	return x.client.Close()
}
