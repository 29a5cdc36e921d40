package lockx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

// Lock is a held lease. Token is "<owner>/<uuid>" so other processes can read the owner.
type Lock struct {
	Key   string
	Owner string
	Token string
	TTL   time.Duration
}

func newLock(key string, owner string, ttl time.Duration) *Lock {
	return &Lock{Key: key, Owner: owner, Token: owner + "/" + uuid.NewString(), TTL: ttl}
}

func ownerOf(token string) string {
	if i := strings.LastIndex(token, "/"); i >= 0 {
		return token[:i]
	}
	return token
}

// Redis implements leases with SET NX PX and token-checked scripts.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, key string, owner string, ttl time.Duration) (*Lock, bool, error) {
	if r == nil || r.client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	lock := newLock(key, owner, ttl)
	ok, err := r.client.SetNX(ctx, key, lock.Token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return lock, true, nil
}

// Renew extends the lease; false means it was lost to expiry or another owner.
func (r *Redis) Renew(ctx context.Context, lock *Lock) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("redis client not initialized")
	}
	if lock == nil {
		return false, errors.New("lock is nil")
	}
	n, err := r.client.Eval(ctx, renewScript, []string{lock.Key}, lock.Token, lock.TTL.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, lock *Lock) error {
	if r == nil || r.client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return r.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Owner reports who currently holds key.
func (r *Redis) Owner(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, errors.New("redis client not initialized")
	}
	token, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return ownerOf(token), true, nil
}
