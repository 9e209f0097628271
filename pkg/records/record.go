// Package records defines the wire model of the record-oriented backend API:
// records, filters, paginated list responses and request headers.
package records

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IDField is the field carrying a record's backend identifier.
const IDField = "id"

// Record is a single backend record as a field -> value map.
type Record map[string]any

// ID returns the record identifier, or "" if absent.
func (r Record) ID() string {
	return r.String(IDField)
}

// String returns a field as a string. Numbers and booleans are formatted;
// missing or null fields yield "".
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// Int returns a numeric field as int. Strings holding integers are accepted.
func (r Record) Int(field string) (int, bool) {
	switch val := r[field].(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	case json.Number:
		n, err := val.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean field. The backend renders booleans either as JSON
// booleans or as "Yes"/"No" strings.
func (r Record) Bool(field string) (bool, bool) {
	switch val := r[field].(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}

// Time returns a timestamp field formatted as RFC 3339.
func (r Record) Time(field string) (time.Time, bool) {
	s := r.String(field)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatTime renders a timestamp the way records store them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Decode converts the record into a typed struct via its JSON form.
func (r Record) Decode(dst any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
