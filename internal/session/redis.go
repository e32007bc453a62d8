package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge-health/sessiongate/internal/obs"
)

const (
	tabKeyPrefix = "session:tab:"
	registryKey  = "session:registry"

	defaultTTL = 24 * time.Hour
)

// RedisStore keeps tab sessions in Redis. Each tab owns exactly one key; the
// registry is a hash with one field per tab, last-write-wins.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL caps how long a record survives in Redis regardless of activity.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func tabKey(tabID string) string {
	return tabKeyPrefix + tabID
}

// Get loads the tab's record. Expired records and unreadable payloads are
// treated as "no session" and removed rather than surfaced as errors.
func (s *RedisStore) Get(ctx context.Context, tabID string) (*Record, error) {
	if tabID == "" {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, tabKey(tabID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		// Corrupt state: clear and restart instead of failing the read.
		s.purge(ctx, tabID)
		return nil, nil
	}
	if rec.Expired(s.now()) {
		s.purge(ctx, tabID)
		return nil, nil
	}
	return &rec, nil
}

// purge drops a session that ended without an explicit logout. The gauge
// decrement lives here because Controller.Logout never sees these records.
func (s *RedisStore) purge(ctx context.Context, tabID string) {
	_ = s.Clear(ctx, tabID)
	obs.SessionClosed()
}

// Put stores the record and mirrors the redacted registry entry.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.TabID == "" {
		return errors.New("session: record with tab id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, tabKey(rec.TabID), data, s.ttl).Err(); err != nil {
		return err
	}
	entry, err := json.Marshal(rec.registryEntry())
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, registryKey, rec.TabID, entry).Err()
}

// Clear removes the tab's record and registry entry.
func (s *RedisStore) Clear(ctx context.Context, tabID string) error {
	if tabID == "" {
		return nil
	}
	if err := s.client.Del(ctx, tabKey(tabID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err := s.client.HDel(ctx, registryKey, tabID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// UpdateActivity bumps LastActivity on the live record, leaving tokens and
// login time untouched. A missing session is not an error.
func (s *RedisStore) UpdateActivity(ctx context.Context, tabID string) error {
	rec, err := s.Get(ctx, tabID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.LastActivity = s.now().UnixMilli()
	return s.Put(ctx, rec)
}

// Registry returns the redacted cross-tab entries.
func (s *RedisStore) Registry(ctx context.Context) ([]RegistryEntry, error) {
	raw, err := s.client.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]RegistryEntry, 0, len(raw))
	for _, v := range raw {
		var entry RegistryEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
