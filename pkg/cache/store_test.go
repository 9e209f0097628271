package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/record-gateway/internal/backendsim"
	"github.com/Sternrassler/record-gateway/internal/testutil"
	"github.com/Sternrassler/record-gateway/pkg/client"
	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/Sternrassler/record-gateway/pkg/scheduler"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mock  *testutil.MockBackend
	api   *client.Client
	table *RemoteTable
	store *Store
	clock *fakeClock
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	mock := testutil.NewMockBackend(backendsim.Options{})
	t.Cleanup(mock.Close)

	logger := zerolog.Nop()
	cfg := client.DefaultConfig(mock.URL(), records.Credentials{})
	cfg.Logger = &logger
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond}
	cfg.Scheduler = scheduler.Config{Budget: 100, Window: 100 * time.Millisecond, Logger: &logger}
	api, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { _ = api.Close() })

	clock := newFakeClock()
	table := NewRemoteTable(api, "", DefaultSchema())
	storeCfg := Config{
		Table:  table,
		Kinds:  Kinds{"LogoURL": KindURL},
		Clock:  clock.Now,
		Logger: &logger,
		Owner: func(context.Context) (string, string) {
			return "user_1", "org_1"
		},
	}
	if mutate != nil {
		mutate(&storeCfg)
	}

	return &fixture{
		mock:  mock,
		api:   api,
		table: table,
		store: New(storeCfg),
		clock: clock,
	}
}

func (f *fixture) rows(t *testing.T) []*CacheRecord {
	t.Helper()
	list, err := f.mock.Store.List(context.Background(), DefaultObject)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]*CacheRecord, 0, len(list))
	for _, r := range list {
		out = append(out, DefaultSchema().Record(r))
	}
	return out
}

type schoolResults struct {
	Count int `json:"count"`
}

func TestStore_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if !f.store.Set(ctx, "school_123_vespa", schoolResults{Count: 42}, "SchoolResults", 120*time.Minute) {
		t.Fatal("Set() = false")
	}

	f.clock.Advance(5 * time.Minute)

	var got schoolResults
	if !f.store.GetInto(ctx, "school_123_vespa", "SchoolResults", &got) {
		t.Fatal("GetInto() = false, want hit")
	}
	if got.Count != 42 {
		t.Errorf("count = %d, want 42", got.Count)
	}

	rows := f.rows(t)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.AccessCount != 2 {
		t.Errorf("access_count = %d, want 2", row.AccessCount)
	}
	if !row.LastAccessedAt.Equal(f.clock.Now()) {
		t.Errorf("last_accessed_at = %v, want %v", row.LastAccessedAt, f.clock.Now())
	}
	if row.OwnerIdentity != "user_1" || row.OwnerOrg != "org_1" {
		t.Errorf("owner = %q/%q", row.OwnerIdentity, row.OwnerOrg)
	}
}

func TestStore_RoundTripValues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	values := []any{
		"plain string",
		42.5,
		true,
		[]any{"a", 1.0},
		map[string]any{"nested": map[string]any{"x": 1.0}},
		nil,
	}

	for i, v := range values {
		t.Run(fmt.Sprintf("%T", v), func(t *testing.T) {
			key := fmt.Sprintf("k%d", i)
			if !f.store.Set(ctx, key, v, "Generic", 0) {
				t.Fatal("Set() = false")
			}
			var got any
			if !f.store.GetInto(ctx, key, "Generic", &got) {
				t.Fatal("GetInto() = false")
			}
			if fmt.Sprint(got) != fmt.Sprint(v) {
				t.Errorf("got %v, want %v", got, v)
			}
		})
	}
}

func TestStore_BytesRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, v := range [][]byte{[]byte("hello"), []byte("not json {"), {0x00, 0xff}} {
		if !f.store.Set(ctx, "blob", v, "Blob", 0) {
			t.Fatalf("Set(%q) = false", v)
		}
		var got []byte
		if !f.store.GetInto(ctx, "blob", "Blob", &got) {
			t.Fatalf("GetInto(%q) = false", v)
		}
		if !bytes.Equal(got, v) {
			t.Errorf("got %q, want %q", got, v)
		}
	}
}

func TestStore_Expiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", schoolResults{Count: 1}, "SchoolResults", 120*time.Minute)
	f.clock.Advance(121 * time.Minute)

	if _, ok := f.store.Get(ctx, "k", "SchoolResults"); ok {
		t.Fatal("Get() after expiry = hit, want miss")
	}
	rows := f.rows(t)
	if len(rows) != 1 || rows[0].IsValid() {
		t.Fatalf("expected one tombstoned row, got %+v", rows)
	}
}

func TestStore_DefaultTTL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", 1, "Generic", 0)

	f.clock.Advance(59 * time.Minute)
	if _, ok := f.store.Get(ctx, "k", "Generic"); !ok {
		t.Fatal("Get() before default TTL = miss")
	}
	f.clock.Advance(2 * time.Minute)
	if _, ok := f.store.Get(ctx, "k", "Generic"); ok {
		t.Fatal("Get() after default TTL = hit")
	}
}

func TestStore_Invalidate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", 1, "Generic", 0)
	if !f.store.Invalidate(ctx, "k", "Generic") {
		t.Fatal("Invalidate() = false")
	}
	if _, ok := f.store.Get(ctx, "k", "Generic"); ok {
		t.Error("Get() after Invalidate = hit")
	}

	// Idempotent, and a no-op for unknown keys.
	if !f.store.Invalidate(ctx, "k", "Generic") {
		t.Error("second Invalidate() = false")
	}
	if !f.store.Invalidate(ctx, "unknown", "Generic") {
		t.Error("Invalidate(unknown) = false")
	}
}

func TestStore_SetRevivesTombstone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", 1, "Generic", 0)
	f.store.Invalidate(ctx, "k", "Generic")
	f.store.Set(ctx, "k", 2, "Generic", 0)

	rows := f.rows(t)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (upsert, no duplicate)", len(rows))
	}
	var got int
	if !f.store.GetInto(ctx, "k", "Generic", &got) || got != 2 {
		t.Errorf("GetInto() = %d, want 2", got)
	}
}

func TestStore_TypesAreDistinct(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", "a", "TypeA", 0)
	f.store.Set(ctx, "k", "b", "TypeB", 0)

	var a, b string
	f.store.GetInto(ctx, "k", "TypeA", &a)
	f.store.GetInto(ctx, "k", "TypeB", &b)
	if a != "a" || b != "b" {
		t.Errorf("got %q/%q, want a/b", a, b)
	}
}

func TestStore_URLKind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if !f.store.Set(ctx, "school_1", "https://cdn.example.com/logo.png", "LogoURL", 0) {
		t.Fatal("Set() = false")
	}

	rows := f.rows(t)
	if rows[0].URL != "https://cdn.example.com/logo.png" || rows[0].Payload != "" {
		t.Errorf("url kind stored url=%q payload=%q", rows[0].URL, rows[0].Payload)
	}

	p, ok := f.store.Get(ctx, "school_1", "LogoURL")
	if !ok {
		t.Fatal("Get() = miss")
	}
	if p.Kind != KindURL || p.URL != "https://cdn.example.com/logo.png" {
		t.Errorf("payload = %+v", p)
	}

	if f.store.Set(ctx, "school_2", "not a url", "LogoURL", 0) {
		t.Error("Set() with invalid url = true")
	}
}

func TestStore_CorruptPayloadTombstoned(t *testing.T) {
	tests := []struct {
		name   string
		typ    string
		fields records.Record
	}{
		{name: "invalid json", typ: "Generic", fields: records.Record{"payload": "{broken"}},
		{name: "empty payload", typ: "Generic", fields: records.Record{"payload": ""}},
		{name: "relative url", typ: "LogoURL", fields: records.Record{"url": "/logo.png"}},
		{name: "object in url field", typ: "LogoURL", fields: records.Record{"url": `{"a":1}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			now := f.clock.Now()
			fields := DefaultSchema().Fields(&CacheRecord{
				Key:       "k",
				Type:      tt.typ,
				ExpiresAt: now.Add(time.Hour),
				State:     Valid,
			})
			for k, v := range tt.fields {
				fields[k] = v
			}
			if _, err := f.mock.Store.Create(ctx, DefaultObject, fields); err != nil {
				t.Fatal(err)
			}

			if _, ok := f.store.Get(ctx, "k", tt.typ); ok {
				t.Fatal("Get() of corrupt payload = hit")
			}
			if rows := f.rows(t); rows[0].IsValid() {
				t.Error("corrupt record not tombstoned")
			}
		})
	}
}

func TestStore_GetIntoWrongShapeIsCorrupt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", []string{"a", "b"}, "Generic", 0)

	var dst schoolResults
	if f.store.GetInto(ctx, "k", "Generic", &dst) {
		t.Fatal("GetInto() with mismatched shape = hit")
	}
	if _, ok := f.store.Get(ctx, "k", "Generic"); ok {
		t.Error("record still served after corruption")
	}
}

func TestStore_Disabled(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Switch = NewSwitch(true, nil)
	})
	ctx := context.Background()

	if !f.store.Set(ctx, "k", 1, "Generic", 0) {
		t.Error("Set() while disabled = false, want true")
	}
	if _, ok := f.store.Get(ctx, "k", "Generic"); ok {
		t.Error("Get() while disabled = hit")
	}
	if got := f.mock.RequestCount(); got != 0 {
		t.Errorf("requests while disabled = %d, want 0", got)
	}

	if err := f.store.Switch().Set(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.store.Get(ctx, "k", "Generic"); ok {
		t.Error("value written while disabled was stored")
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.CleanupBatchSize = 3
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.store.Set(ctx, fmt.Sprintf("short_%d", i), i, "Generic", 10*time.Minute)
	}
	for i := 0; i < 3; i++ {
		f.store.Set(ctx, fmt.Sprintf("gone_%d", i), i, "Generic", 0)
		f.store.Invalidate(ctx, fmt.Sprintf("gone_%d", i), "Generic")
	}
	for i := 0; i < 5; i++ {
		f.store.Set(ctx, fmt.Sprintf("keep_%d", i), i, "Generic", 0)
	}

	f.clock.Advance(30 * time.Minute)

	res := f.store.CleanupExpired(ctx)
	if res.Err != nil {
		t.Fatalf("CleanupExpired() error = %v", res.Err)
	}
	if res.Found != 7 || res.Deleted != 7 || res.Failed != 0 {
		t.Errorf("result = %+v, want 7 found and deleted", res)
	}
	if res.Batches != 3 {
		t.Errorf("batches = %d, want 3", res.Batches)
	}

	rows := f.rows(t)
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(rows))
	}
	for _, r := range rows {
		if !r.Servable(f.clock.Now()) {
			t.Errorf("cleanup left stale row %q", r.Key)
		}
	}
}

func TestStore_CleanupContinuesAfterFailures(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.CleanupBatchSize = 2
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.store.Set(ctx, fmt.Sprintf("k%d", i), i, "Generic", time.Minute)
	}
	f.clock.Advance(time.Hour)

	// One delete fails with a terminal error.
	f.mock.FailNext(http.MethodDelete, "", 1, testutil.NewBadRequestResponse())

	res := f.store.CleanupExpired(ctx)
	if res.Found != 4 {
		t.Errorf("found = %d, want 4", res.Found)
	}
	if res.Deleted != 3 || res.Failed != 1 {
		t.Errorf("deleted/failed = %d/%d, want 3/1", res.Deleted, res.Failed)
	}
	if res.Batches != 2 {
		t.Errorf("batches = %d, want 2", res.Batches)
	}
}

// laneRecorder is a RecordAPI that records the scheduler lane of every call.
type laneRecorder struct {
	mu    sync.Mutex
	lanes []scheduler.Lane
}

func (l *laneRecorder) note(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lanes = append(l.lanes, scheduler.LaneFrom(ctx))
}

func (l *laneRecorder) FetchPage(ctx context.Context, _ string, _ *records.Filter, _, _ int) ([]records.Record, error) {
	l.note(ctx)
	return nil, nil
}

func (l *laneRecorder) Create(ctx context.Context, _ string, fields records.Record) (records.Record, error) {
	l.note(ctx)
	out := fields.Clone()
	out[records.IDField] = "rec_1"
	return out, nil
}

func (l *laneRecorder) Update(ctx context.Context, _, _ string, fields records.Record) (records.Record, error) {
	l.note(ctx)
	return fields, nil
}

func (l *laneRecorder) Delete(ctx context.Context, _, _ string) error {
	l.note(ctx)
	return nil
}

func TestRemoteTable_UsesInfraLane(t *testing.T) {
	api := &laneRecorder{}
	logger := zerolog.Nop()
	store := New(Config{Table: NewRemoteTable(api, "", DefaultSchema()), Logger: &logger})
	ctx := context.Background()

	store.Set(ctx, "k", 1, "Generic", 0)
	store.Get(ctx, "k", "Generic")
	store.Invalidate(ctx, "k", "Generic")
	store.CleanupExpired(ctx)

	if len(api.lanes) == 0 {
		t.Fatal("no backend calls recorded")
	}
	for i, lane := range api.lanes {
		if lane != scheduler.LaneInfra {
			t.Errorf("call %d ran in lane %v, want %v", i, lane, scheduler.LaneInfra)
		}
	}
}

// failingTable fails every call.
type failingTable struct{}

var errTable = errors.New("table unavailable")

func (failingTable) Find(context.Context, string, string, bool) (*CacheRecord, error) {
	return nil, errTable
}
func (failingTable) Insert(context.Context, *CacheRecord) (string, error) { return "", errTable }
func (failingTable) Update(context.Context, *CacheRecord) error           { return errTable }
func (failingTable) Delete(context.Context, string) error                 { return errTable }
func (failingTable) ListStale(context.Context, time.Time) ([]*CacheRecord, error) {
	return nil, errTable
}

func TestStore_SwallowsTableErrors(t *testing.T) {
	logger := zerolog.Nop()
	store := New(Config{Table: failingTable{}, Logger: &logger})
	ctx := context.Background()

	if _, ok := store.Get(ctx, "k", "Generic"); ok {
		t.Error("Get() = hit on failing table")
	}
	if store.Set(ctx, "k", 1, "Generic", 0) {
		t.Error("Set() = true on failing table")
	}
	if store.Invalidate(ctx, "k", "Generic") {
		t.Error("Invalidate() = true on failing table")
	}
	res := store.CleanupExpired(ctx)
	if !errors.Is(res.Err, errTable) {
		t.Errorf("cleanup err = %v, want %v", res.Err, errTable)
	}
}

func TestStore_ConcurrentGetsCountEveryAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.Set(ctx, "k", 1, "Generic", 0)

	const readers = 8
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.store.Get(ctx, "k", "Generic")
		}()
	}
	wg.Wait()

	rows := f.rows(t)
	if rows[0].AccessCount != 1+readers {
		t.Errorf("access_count = %d, want %d", rows[0].AccessCount, 1+readers)
	}
	if n := f.store.locks.size(); n != 0 {
		t.Errorf("keyed locks left = %d, want 0", n)
	}
}
