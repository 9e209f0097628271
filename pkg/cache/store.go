package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/Sternrassler/record-gateway/pkg/cache")

// Defaults for Store.
const (
	DefaultTTL              = 60 * time.Minute
	DefaultCleanupBatchSize = 50
)

// OwnerFunc returns the identity and organisation recorded on new entries.
type OwnerFunc func(ctx context.Context) (identity, org string)

// Config configures a Store.
type Config struct {
	Table Table

	// Switch is the disable flag; nil creates an enabled switch.
	Switch *Switch

	// Kinds registers the payload kind of cache types.
	Kinds Kinds

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// CleanupBatchSize bounds the deletes issued together by CleanupExpired.
	CleanupBatchSize int

	Owner  OwnerFunc
	Clock  func() time.Time
	Logger *zerolog.Logger
}

// Store is the cache. Failures of the underlying table are logged and reported
// as a miss or as not stored; they never reach the caller as errors.
type Store struct {
	table     Table
	sw        *Switch
	kinds     Kinds
	ttl       time.Duration
	batchSize int
	owner     OwnerFunc
	now       func() time.Time
	locks     *keyedMutex
	logger    zerolog.Logger
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.Table == nil {
		panic("cache table cannot be nil")
	}
	if cfg.Switch == nil {
		cfg.Switch = NewSwitch(false, nil)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if cfg.Owner == nil {
		cfg.Owner = func(context.Context) (string, string) { return "", "" }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := log.With().Str("component", "cache").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Store{
		table:     cfg.Table,
		sw:        cfg.Switch,
		kinds:     cfg.Kinds,
		ttl:       cfg.DefaultTTL,
		batchSize: cfg.CleanupBatchSize,
		owner:     cfg.Owner,
		now:       cfg.Clock,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// Switch returns the disable switch.
func (s *Store) Switch() *Switch {
	return s.sw
}

func lockKey(key, typ string) string {
	return typ + "\x00" + key
}

func (s *Store) span(ctx context.Context, name, key, typ string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("cache.key", key),
		attribute.String("cache.type", typ),
	))
}

// Get returns the payload cached for (key, typ).
func (s *Store) Get(ctx context.Context, key, typ string) (Payload, bool) {
	ctx, span := s.span(ctx, "cache.get", key, typ)
	defer span.End()

	p, ok := s.get(ctx, key, typ, nil)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return p, ok
}

// GetInto decodes the cached payload into dst. A payload that does not fit
// dst counts as corrupt: the record is tombstoned and Get reports a miss.
func (s *Store) GetInto(ctx context.Context, key, typ string, dst any) bool {
	ctx, span := s.span(ctx, "cache.get", key, typ)
	defer span.End()

	_, ok := s.get(ctx, key, typ, func(p Payload) error {
		return p.Decode(dst)
	})
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return ok
}

func (s *Store) get(ctx context.Context, key, typ string, decode func(Payload) error) (Payload, bool) {
	if s.sw.Disabled() {
		CacheMisses.WithLabelValues("disabled").Inc()
		return Payload{}, false
	}

	unlock := s.locks.Lock(lockKey(key, typ))
	defer unlock()

	rec, err := s.table.Find(ctx, key, typ, true)
	if err != nil {
		s.fail("get", key, typ, err)
		CacheMisses.WithLabelValues("error").Inc()
		return Payload{}, false
	}
	if rec == nil || !rec.IsValid() {
		CacheMisses.WithLabelValues("absent").Inc()
		return Payload{}, false
	}

	now := s.now()
	if rec.Expired(now) {
		s.tombstone(ctx, rec, "expired")
		CacheMisses.WithLabelValues("expired").Inc()
		return Payload{}, false
	}

	p, err := decodePayload(s.kinds.Of(typ), rec)
	if err == nil && decode != nil {
		if derr := decode(p); derr != nil {
			err = errors.Join(ErrCorrupt, derr)
		}
	}
	if err != nil {
		CacheCorruptions.Inc()
		s.logger.Warn().
			Err(err).
			Str("key", key).
			Str("type", typ).
			Msg("Corrupt cache payload")
		s.tombstone(ctx, rec, "corrupt")
		CacheMisses.WithLabelValues("corrupt").Inc()
		return Payload{}, false
	}

	rec.AccessCount++
	rec.LastAccessedAt = now
	if err := s.table.Update(ctx, rec); err != nil {
		// Bookkeeping failures do not turn a hit into a miss.
		s.fail("get", key, typ, err)
	}

	CacheHits.WithLabelValues(typ).Inc()
	return p, true
}

func (s *Store) tombstone(ctx context.Context, rec *CacheRecord, reason string) {
	rec.State = Tombstoned
	if err := s.table.Update(ctx, rec); err != nil {
		s.fail("tombstone", rec.Key, rec.Type, err)
		return
	}
	CacheTombstones.WithLabelValues(reason).Inc()
	s.logger.Debug().
		Str("key", rec.Key).
		Str("type", rec.Type).
		Str("reason", reason).
		Msg("Cache record tombstoned")
}

// Set stores data under (key, typ) for ttl (DefaultTTL when ttl <= 0). An
// existing record, tombstoned or not, is updated in place. It reports whether
// the value was stored; with the cache disabled it reports true without I/O.
// JSON payloads are encoded with encoding/json, so a []byte round-trips as a
// base64 string; pass a json.RawMessage to store pre-encoded JSON verbatim.
func (s *Store) Set(ctx context.Context, key string, data any, typ string, ttl time.Duration) bool {
	if s.sw.Disabled() {
		return true
	}

	ctx, span := s.span(ctx, "cache.set", key, typ)
	defer span.End()

	if ttl <= 0 {
		ttl = s.ttl
	}

	p, err := encodePayload(s.kinds.Of(typ), data)
	if err != nil {
		s.fail("set", key, typ, err)
		return false
	}

	unlock := s.locks.Lock(lockKey(key, typ))
	defer unlock()

	now := s.now()
	rec, err := s.table.Find(ctx, key, typ, false)
	if err != nil {
		s.fail("set", key, typ, err)
		return false
	}

	if rec != nil {
		p.store(rec)
		rec.LastAccessedAt = now
		rec.AccessCount++
		rec.State = Valid
		rec.ExpiresAt = now.Add(ttl)
		if err := s.table.Update(ctx, rec); err != nil {
			s.fail("set", key, typ, err)
			return false
		}
		return true
	}

	identity, org := s.owner(ctx)
	rec = &CacheRecord{
		Key:            key,
		Type:           typ,
		OwnerIdentity:  identity,
		OwnerOrg:       org,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		AccessCount:    1,
		State:          Valid,
	}
	p.store(rec)
	if _, err := s.table.Insert(ctx, rec); err != nil {
		s.fail("set", key, typ, err)
		return false
	}
	return true
}

// Invalidate tombstones the record for (key, typ). It is a no-op when no
// valid record exists and reports false only on storage failure. Unlike Get
// and Set it ignores the disable switch.
func (s *Store) Invalidate(ctx context.Context, key, typ string) bool {
	ctx, span := s.span(ctx, "cache.invalidate", key, typ)
	defer span.End()

	unlock := s.locks.Lock(lockKey(key, typ))
	defer unlock()

	rec, err := s.table.Find(ctx, key, typ, true)
	if err != nil {
		s.fail("invalidate", key, typ, err)
		return false
	}
	if rec == nil {
		return true
	}

	rec.State = Tombstoned
	if err := s.table.Update(ctx, rec); err != nil {
		s.fail("invalidate", key, typ, err)
		return false
	}
	CacheTombstones.WithLabelValues("invalidated").Inc()
	return true
}

// CleanupResult summarises a CleanupExpired run.
type CleanupResult struct {
	Found   int   `json:"found"`
	Deleted int   `json:"deleted"`
	Failed  int   `json:"failed"`
	Batches int   `json:"batches"`
	Err     error `json:"-"`
}

// CleanupExpired physically deletes tombstoned and expired records in
// batches. A batch's deletes run together and finish before the next batch
// starts; failed deletes are counted and do not stop later batches.
func (s *Store) CleanupExpired(ctx context.Context) CleanupResult {
	ctx, span := tracer.Start(ctx, "cache.cleanup")
	defer span.End()

	start := s.now()
	stale, err := s.table.ListStale(ctx, start)
	res := CleanupResult{Found: len(stale), Err: err}
	if err != nil {
		CacheErrors.WithLabelValues("cleanup").Inc()
		s.logger.Warn().
			Err(err).
			Int("found", len(stale)).
			Msg("Listing stale cache records failed - cleaning what was found")
	}

	for i := 0; i < len(stale); i += s.batchSize {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
		batch := stale[i:min(i+s.batchSize, len(stale))]
		res.Batches++

		results := make([]error, len(batch))
		var g errgroup.Group
		for j, rec := range batch {
			g.Go(func() error {
				results[j] = s.table.Delete(ctx, rec.ID)
				return nil
			})
		}
		_ = g.Wait()

		for j, derr := range results {
			if derr != nil {
				res.Failed++
				CacheErrors.WithLabelValues("cleanup").Inc()
				s.logger.Warn().
					Err(derr).
					Str("id", batch[j].ID).
					Msg("Cache record delete failed")
				continue
			}
			res.Deleted++
			CacheCleanupDeleted.Inc()
		}
	}

	span.SetAttributes(
		attribute.Int("cache.cleanup.found", res.Found),
		attribute.Int("cache.cleanup.deleted", res.Deleted),
		attribute.Int("cache.cleanup.failed", res.Failed),
	)
	s.logger.Info().
		Int("found", res.Found).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Int("batches", res.Batches).
		Dur("duration", s.now().Sub(start)).
		Msg("Cache cleanup complete")
	return res
}

func (s *Store) fail(op, key, typ string, err error) {
	CacheErrors.WithLabelValues(op).Inc()
	s.logger.Warn().
		Err(err).
		Str("operation", op).
		Str("key", key).
		Str("type", typ).
		Msg("Cache operation failed")
}
