package signaling

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// PresenceStore mirrors room membership to external storage so
// operators (or other service instances) can see who is in a call
// without asking the process. Callers treat it as best-effort.
type PresenceStore interface {
	Reset(ctx context.Context) error
	AddMember(ctx context.Context, room, id string) error
	RemoveMember(ctx context.Context, room, id string) error
	Members(ctx context.Context, room string) ([]string, error)
}

// RedisPresence implements PresenceStore with one Redis set per room.
type RedisPresence struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisPresence builds a PresenceStore backed by Redis. Prefix is
// optional (e.g., "telehealth").
func NewRedisPresence(rdb *redis.Client, prefix string) *RedisPresence {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "telehealth"
	}
	return &RedisPresence{rdb: rdb, prefix: p}
}

func (s *RedisPresence) roomKey(room string) string {
	return fmt.Sprintf("%s:room:%s:peers", s.prefix, room)
}

// Reset clears every mirrored room, typically at process start so a
// restart doesn't leave phantom members behind.
func (s *RedisPresence) Reset(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("%s:room:*", s.prefix), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisPresence) AddMember(ctx context.Context, room, id string) error {
	return s.rdb.SAdd(ctx, s.roomKey(room), id).Err()
}

// RemoveMember drops the member and the room key itself once the set
// is empty, matching the registry's implicit room lifecycle.
func (s *RedisPresence) RemoveMember(ctx context.Context, room, id string) error {
	key := s.roomKey(room)
	pipe := s.rdb.TxPipeline()
	_ = pipe.SRem(ctx, key, id)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return s.rdb.Del(ctx, key).Err()
	}
	return nil
}

func (s *RedisPresence) Members(ctx context.Context, room string) ([]string, error) {
	return s.rdb.SMembers(ctx, s.roomKey(room)).Result()
}
