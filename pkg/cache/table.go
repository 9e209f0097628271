package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/pagination"
	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/Sternrassler/record-gateway/pkg/scheduler"
)

// Table is the storage medium of the cache.
type Table interface {
	// Find returns the record for (key, typ), or nil. With validOnly set,
	// tombstoned records are ignored.
	Find(ctx context.Context, key, typ string, validOnly bool) (*CacheRecord, error)

	// Insert stores a new record and returns its ID.
	Insert(ctx context.Context, rec *CacheRecord) (string, error)

	// Update overwrites the record with rec.ID.
	Update(ctx context.Context, rec *CacheRecord) error

	// Delete physically removes the record with id.
	Delete(ctx context.Context, id string) error

	// ListStale returns every record that is tombstoned or expired at now.
	ListStale(ctx context.Context, now time.Time) ([]*CacheRecord, error)
}

// RecordAPI is the subset of client.Client used by RemoteTable.
type RecordAPI interface {
	pagination.PageFetcher
	Create(ctx context.Context, object string, fields records.Record) (records.Record, error)
	Update(ctx context.Context, object, id string, fields records.Record) (records.Record, error)
	Delete(ctx context.Context, object, id string) error
}

// DefaultObject is the backend object holding cache records.
const DefaultObject = "cache_entries"

// RemoteTable keeps cache records in a backend object. Every call runs in the
// scheduler's infrastructure lane.
type RemoteTable struct {
	api      RecordAPI
	pages    *pagination.Fetcher
	object   string
	schema   Schema
	maxPages int
}

// NewRemoteTable creates a table over object ("" selects DefaultObject).
func NewRemoteTable(api RecordAPI, object string, schema Schema) *RemoteTable {
	if object == "" {
		object = DefaultObject
	}
	return &RemoteTable{
		api:      api,
		pages:    pagination.New(api),
		object:   object,
		schema:   schema,
		maxPages: pagination.DefaultMaxPages,
	}
}

// Object returns the backend object name.
func (t *RemoteTable) Object() string {
	return t.object
}

func infra(ctx context.Context) context.Context {
	return scheduler.WithLane(ctx, scheduler.LaneInfra)
}

// Find implements Table.
func (t *RemoteTable) Find(ctx context.Context, key, typ string, validOnly bool) (*CacheRecord, error) {
	rules := []records.Rule{records.Is(t.schema.Key, key), records.Is(t.schema.Type, typ)}
	if validOnly {
		rules = append(rules, records.Is(t.schema.IsValid, true))
	}

	found, err := t.api.FetchPage(infra(ctx), records.ObjectPath(t.object), records.And(rules...), 1, 1)
	if err != nil {
		return nil, fmt.Errorf("find cache record: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return t.schema.Record(found[0]), nil
}

// Insert implements Table.
func (t *RemoteTable) Insert(ctx context.Context, rec *CacheRecord) (string, error) {
	created, err := t.api.Create(infra(ctx), t.object, t.schema.Fields(rec))
	if err != nil {
		return "", fmt.Errorf("insert cache record: %w", err)
	}
	return created.ID(), nil
}

// Update implements Table.
func (t *RemoteTable) Update(ctx context.Context, rec *CacheRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("update cache record: id is required")
	}
	if _, err := t.api.Update(infra(ctx), t.object, rec.ID, t.schema.Fields(rec)); err != nil {
		return fmt.Errorf("update cache record: %w", err)
	}
	return nil
}

// Delete implements Table.
func (t *RemoteTable) Delete(ctx context.Context, id string) error {
	if err := t.api.Delete(infra(ctx), t.object, id); err != nil {
		return fmt.Errorf("delete cache record: %w", err)
	}
	return nil
}

// ListStale implements Table. A failure after some pages returns the records
// read so far together with the error.
func (t *RemoteTable) ListStale(ctx context.Context, now time.Time) ([]*CacheRecord, error) {
	filter := records.Or(
		records.Is(t.schema.IsValid, false),
		records.Rule{Field: t.schema.ExpiresAt, Operator: records.OpIsBefore, Value: records.FormatTime(now)},
	)

	res := t.pages.FetchAll(infra(ctx), records.ObjectPath(t.object), filter,
		pagination.WithMaxPages(t.maxPages))

	out := make([]*CacheRecord, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, t.schema.Record(r))
	}
	if res.Err != nil {
		return out, fmt.Errorf("list stale cache records: %w", res.Err)
	}
	return out, nil
}
