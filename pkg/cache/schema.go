package cache

import "github.com/Sternrassler/record-gateway/pkg/records"

// Schema names the fields of the cache table. Backends that expose opaque
// field identifiers (field_101, ...) map them here.
type Schema struct {
	Key            string
	Type           string
	Payload        string
	URL            string
	OwnerIdentity  string
	OwnerOrg       string
	CreatedAt      string
	LastAccessedAt string
	AccessCount    string
	ExpiresAt      string
	IsValid        string
}

// DefaultSchema uses readable field names.
func DefaultSchema() Schema {
	return Schema{
		Key:            "key",
		Type:           "type",
		Payload:        "payload",
		URL:            "url",
		OwnerIdentity:  "owner_identity",
		OwnerOrg:       "owner_org",
		CreatedAt:      "created_at",
		LastAccessedAt: "last_accessed_at",
		AccessCount:    "access_count",
		ExpiresAt:      "expires_at",
		IsValid:        "is_valid",
	}
}

// Fields renders rec as backend fields.
func (s Schema) Fields(rec *CacheRecord) records.Record {
	return records.Record{
		s.Key:            rec.Key,
		s.Type:           rec.Type,
		s.Payload:        rec.Payload,
		s.URL:            rec.URL,
		s.OwnerIdentity:  rec.OwnerIdentity,
		s.OwnerOrg:       rec.OwnerOrg,
		s.CreatedAt:      records.FormatTime(rec.CreatedAt),
		s.LastAccessedAt: records.FormatTime(rec.LastAccessedAt),
		s.AccessCount:    rec.AccessCount,
		s.ExpiresAt:      records.FormatTime(rec.ExpiresAt),
		s.IsValid:        rec.IsValid(),
	}
}

// Record parses backend fields into a CacheRecord. A missing or unparseable
// validity flag reads as tombstoned and a missing expiry as already expired.
func (s Schema) Record(r records.Record) *CacheRecord {
	rec := &CacheRecord{
		ID:            r.ID(),
		Key:           r.String(s.Key),
		Type:          r.String(s.Type),
		Payload:       r.String(s.Payload),
		URL:           r.String(s.URL),
		OwnerIdentity: r.String(s.OwnerIdentity),
		OwnerOrg:      r.String(s.OwnerOrg),
		State:         Tombstoned,
	}
	if valid, ok := r.Bool(s.IsValid); ok && valid {
		rec.State = Valid
	}
	if n, ok := r.Int(s.AccessCount); ok {
		rec.AccessCount = n
	}
	rec.CreatedAt, _ = r.Time(s.CreatedAt)
	rec.LastAccessedAt, _ = r.Time(s.LastAccessedAt)
	rec.ExpiresAt, _ = r.Time(s.ExpiresAt)
	return rec
}
