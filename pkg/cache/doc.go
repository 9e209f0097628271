// Package cache provides a TTL cache whose storage medium is a table on the
// rate-limited record backend.
//
// Records are unique by (key, type) and move through two states: Valid and
// Tombstoned. Get never serves a tombstoned or expired record; an expired one
// is tombstoned on read. CleanupExpired physically removes stale records in
// bounded batches.
//
// # Basic Usage
//
//	apiClient, _ := client.New(client.DefaultConfig(baseURL, creds))
//	store := cache.New(cache.Config{
//		Table: cache.NewRemoteTable(apiClient, "object_7", cache.DefaultSchema()),
//		Kinds: cache.Kinds{"LogoURL": cache.KindURL},
//	})
//
//	var results SchoolResults
//	if !store.GetInto(ctx, "school_123", "SchoolResults", &results) {
//		results = load(ctx)
//		store.Set(ctx, "school_123", results, "SchoolResults", 2*time.Hour)
//	}
//
// # Payload Kinds
//
// Most cache types store JSON in the generic payload field. Types registered
// as KindURL keep a single absolute URL in the dedicated url field. A stored
// value that does not decode for its kind is corrupt: the record is tombstoned
// and the read is a miss.
//
// # Disable Switch
//
// With the Switch disabled, Get always misses and Set reports success without
// touching the table. The state can be persisted through a PreferenceStore
// such as RedisPreferences.
//
// # Quota Sharing
//
// RemoteTable issues its requests in the scheduler's infrastructure lane, so
// cache bookkeeping competes for a reserved share of the budget rather than
// with user traffic.
//
// # Metrics
//
//   - recordgw_cache_hits_total{type}
//   - recordgw_cache_misses_total{reason}
//   - recordgw_cache_corruptions_total
//   - recordgw_cache_tombstones_total{reason}
//   - recordgw_cache_errors_total{operation}
//   - recordgw_cache_cleanup_deleted_total
//   - recordgw_cache_disabled
package cache
