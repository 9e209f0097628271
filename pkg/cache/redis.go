package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by this package.
const DefaultRedisPrefix = "recordgw:"

// RedisPreferences persists the cache switch in Redis.
type RedisPreferences struct {
	redis *redis.Client
	key   string
}

// NewRedisPreferences creates a preference store under prefix ("" selects
// DefaultRedisPrefix).
func NewRedisPreferences(redisClient *redis.Client, prefix string) *RedisPreferences {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPreferences{redis: redisClient, key: prefix + "prefs:cache_disabled"}
}

// LoadDisabled implements PreferenceStore.
func (p *RedisPreferences) LoadDisabled(ctx context.Context) (bool, bool, error) {
	val, err := p.redis.Get(ctx, p.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("redis get: %w", err)
	}
	return val == "1", true, nil
}

// SaveDisabled implements PreferenceStore.
func (p *RedisPreferences) SaveDisabled(ctx context.Context, disabled bool) error {
	val := "0"
	if disabled {
		val = "1"
	}
	if err := p.redis.Set(ctx, p.key, val, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// RedisTable keeps cache records in Redis, one JSON value per (key, type).
// It does not share the backend quota and suits local deployments.
type RedisTable struct {
	redis  *redis.Client
	prefix string
}

// NewRedisTable creates a table under prefix ("" selects DefaultRedisPrefix).
func NewRedisTable(redisClient *redis.Client, prefix string) *RedisTable {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisTable{redis: redisClient, prefix: prefix + "cache:"}
}

type redisRecord struct {
	Key            string    `json:"key"`
	Type           string    `json:"type"`
	Payload        string    `json:"payload,omitempty"`
	URL            string    `json:"url,omitempty"`
	OwnerIdentity  string    `json:"owner_identity,omitempty"`
	OwnerOrg       string    `json:"owner_org,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	AccessCount    int       `json:"access_count"`
	IsValid        bool      `json:"is_valid"`
}

func (t *RedisTable) redisKey(key, typ string) string {
	return t.prefix + typ + ":" + key
}

func toRedis(rec *CacheRecord) redisRecord {
	return redisRecord{
		Key:            rec.Key,
		Type:           rec.Type,
		Payload:        rec.Payload,
		URL:            rec.URL,
		OwnerIdentity:  rec.OwnerIdentity,
		OwnerOrg:       rec.OwnerOrg,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		ExpiresAt:      rec.ExpiresAt,
		AccessCount:    rec.AccessCount,
		IsValid:        rec.IsValid(),
	}
}

func fromRedis(id string, data []byte) (*CacheRecord, error) {
	var r redisRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal cache record: %w", err)
	}
	rec := &CacheRecord{
		ID:             id,
		Key:            r.Key,
		Type:           r.Type,
		Payload:        r.Payload,
		URL:            r.URL,
		OwnerIdentity:  r.OwnerIdentity,
		OwnerOrg:       r.OwnerOrg,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
		ExpiresAt:      r.ExpiresAt,
		AccessCount:    r.AccessCount,
		State:          Tombstoned,
	}
	if r.IsValid {
		rec.State = Valid
	}
	return rec, nil
}

// Find implements Table.
func (t *RedisTable) Find(ctx context.Context, key, typ string, validOnly bool) (*CacheRecord, error) {
	id := t.redisKey(key, typ)
	data, err := t.redis.Get(ctx, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	rec, err := fromRedis(id, data)
	if err != nil {
		return nil, err
	}
	if validOnly && !rec.IsValid() {
		return nil, nil
	}
	return rec, nil
}

// Insert implements Table.
func (t *RedisTable) Insert(ctx context.Context, rec *CacheRecord) (string, error) {
	id := t.redisKey(rec.Key, rec.Type)
	data, err := json.Marshal(toRedis(rec))
	if err != nil {
		return "", fmt.Errorf("marshal cache record: %w", err)
	}
	ok, err := t.redis.SetNX(ctx, id, data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("cache record %s already exists", id)
	}
	return id, nil
}

// Update implements Table.
func (t *RedisTable) Update(ctx context.Context, rec *CacheRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("update cache record: id is required")
	}
	data, err := json.Marshal(toRedis(rec))
	if err != nil {
		return fmt.Errorf("marshal cache record: %w", err)
	}
	if err := t.redis.Set(ctx, rec.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Table.
func (t *RedisTable) Delete(ctx context.Context, id string) error {
	if !strings.HasPrefix(id, t.prefix) {
		return fmt.Errorf("cache record id %q outside prefix %q", id, t.prefix)
	}
	if err := t.redis.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ListStale implements Table.
func (t *RedisTable) ListStale(ctx context.Context, now time.Time) ([]*CacheRecord, error) {
	var out []*CacheRecord

	iter := t.redis.Scan(ctx, 0, t.prefix+"*", 200).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vals, err := t.redis.MGet(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := fromRedis(batch[i], []byte(s))
			if err != nil {
				// Unreadable entries are stale by definition.
				rec = &CacheRecord{ID: batch[i], State: Tombstoned}
			}
			if rec.Stale(now) {
				out = append(out, rec)
			}
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 200 {
			if err := flush(); err != nil {
				return out, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return out, err
	}
	return out, nil
}
