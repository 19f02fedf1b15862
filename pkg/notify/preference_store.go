package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PreferenceStore persists notification preferences per user.
type PreferenceStore interface {
	Load(ctx context.Context, userID string) (Preferences, error)
	Save(ctx context.Context, userID string, prefs Preferences) error
}

type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]Preferences
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: map[string]Preferences{}}
}

func (s *MemoryPreferenceStore) Load(_ context.Context, userID string) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs[userID].Clone(), nil
}

func (s *MemoryPreferenceStore) Save(_ context.Context, userID string, prefs Preferences) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("save preferences: empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = prefs.Clone()
	return nil
}

// hashClient is the subset of go-redis used by RedisPreferenceStore.
type hashClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPreferenceStore keeps one hash per user, field = category, value =
// "1" or "0".
type RedisPreferenceStore struct {
	client hashClient
	prefix string
}

func NewRedisPreferenceStore(client redis.UniversalClient, prefix string) *RedisPreferenceStore {
	return newRedisPreferenceStore(client, prefix)
}

func newRedisPreferenceStore(client hashClient, prefix string) *RedisPreferenceStore {
	if prefix == "" {
		prefix = "marketchat:prefs:"
	}
	return &RedisPreferenceStore{client: client, prefix: prefix}
}

func (s *RedisPreferenceStore) key(userID string) string { return s.prefix + userID }

func (s *RedisPreferenceStore) Load(ctx context.Context, userID string) (Preferences, error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load preferences for %s", userID)
	}
	prefs := Preferences{}
	for k, v := range fields {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "preference %s for %s", k, userID)
		}
		prefs[Category(k)] = enabled
	}
	return prefs, nil
}

func (s *RedisPreferenceStore) Save(ctx context.Context, userID string, prefs Preferences) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("save preferences: empty user id")
	}
	key := s.key(userID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "clear preferences for %s", userID)
	}
	if len(prefs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(prefs)*2)
	for c, enabled := range prefs {
		values = append(values, string(c), strconv.FormatBool(enabled))
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return errors.Wrapf(err, "save preferences for %s", userID)
	}
	return nil
}
