package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/pandit-bookings/internal/slotlock"
)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var deleteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return -1
`)

// SlotLockStore keeps slot locks as plain string keys holding the fencing token.
type SlotLockStore struct {
	client *redis.Client
}

func NewSlotLockStore(client *redis.Client) *SlotLockStore {
	return &SlotLockStore{client: client}
}

func (s *SlotLockStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl).Result()
}

func (s *SlotLockStore) ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SlotLockStore) DeleteIfOwner(ctx context.Context, key, token string) (slotlock.Outcome, error) {
	n, err := deleteScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return slotlock.NotOwner, err
	}
	switch n {
	case 1:
		return slotlock.Deleted, nil
	case 0:
		return slotlock.Absent, nil
	default:
		return slotlock.NotOwner, nil
	}
}

func (s *SlotLockStore) Owner(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
