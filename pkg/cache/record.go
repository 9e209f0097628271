package cache

import "time"

// Lifecycle is the logical state of a cache record. Physical absence is only
// produced by CleanupExpired.
type Lifecycle int

const (
	// Valid records may be served until they expire.
	Valid Lifecycle = iota
	// Tombstoned records are never served and wait for cleanup.
	Tombstoned
)

// String returns the lifecycle name.
func (l Lifecycle) String() string {
	switch l {
	case Valid:
		return "valid"
	case Tombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// CacheRecord is one row of the cache table, unique by (Key, Type).
type CacheRecord struct {
	// ID is the table's row identifier; empty until inserted.
	ID string

	Key  string
	Type string

	// Payload is the generic payload field (JSON text).
	Payload string
	// URL is the dedicated field used by URL-typed entries.
	URL string

	OwnerIdentity string
	OwnerOrg      string

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	AccessCount    int

	State Lifecycle
}

// IsValid reports whether the record is not tombstoned.
func (r *CacheRecord) IsValid() bool {
	return r.State == Valid
}

// Expired reports whether ExpiresAt lies before now.
func (r *CacheRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Stale reports whether cleanup may remove the record.
func (r *CacheRecord) Stale(now time.Time) bool {
	return !r.IsValid() || r.Expired(now)
}

// Servable reports whether Get may return the record.
func (r *CacheRecord) Servable(now time.Time) bool {
	return r.IsValid() && !r.Expired(now)
}
