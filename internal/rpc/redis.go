package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLeaseStore keeps leases in a redis hash per (account, method) key so
// every relay instance sees the same ownership map. The compare-and-*
// operations run as Lua to stay atomic under concurrent re-registration.
type RedisLeaseStore struct {
	rdb *redis.Client
}

var delIfOwner = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connectionId') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshIfOwner = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connectionId') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'updatedAt', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return 1
end
return 0
`)

func NewRedisLeaseStore(rdb *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{rdb: rdb}
}

func redisLeaseKey(accountID, method string) string {
	return fmt.Sprintf("rpc:%s:%s", accountID, method)
}

func (r *RedisLeaseStore) Put(ctx context.Context, accountID, method string, lease Lease, ttl time.Duration) error {
	key := redisLeaseKey(accountID, method)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"connectionId": lease.ConnectionID,
		"instanceId":   lease.InstanceID,
		"updatedAt":    lease.UpdatedAt.UnixMilli(),
	})
	pipe.PExpire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisLeaseStore) Lookup(ctx context.Context, accountID, method string) (Lease, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, redisLeaseKey(accountID, method)).Result()
	if err != nil {
		return Lease{}, false, err
	}
	if len(fields) == 0 {
		return Lease{}, false, nil
	}
	lease := Lease{
		ConnectionID: fields["connectionId"],
		InstanceID:   fields["instanceId"],
	}
	var updatedAt int64
	fmt.Sscanf(fields["updatedAt"], "%d", &updatedAt)
	lease.UpdatedAt = time.UnixMilli(updatedAt)
	return lease, true, nil
}

func (r *RedisLeaseStore) CompareAndDelete(ctx context.Context, accountID, method, connectionID string) (bool, error) {
	n, err := delIfOwner.Run(ctx, r.rdb, []string{redisLeaseKey(accountID, method)}, connectionID).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisLeaseStore) CompareAndRefresh(ctx context.Context, accountID, method, connectionID string, ttl time.Duration) (bool, error) {
	n, err := refreshIfOwner.Run(ctx, r.rdb,
		[]string{redisLeaseKey(accountID, method)},
		connectionID, time.Now().UnixMilli(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
