package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrCorrupt marks a stored payload that does not decode for its type.
var ErrCorrupt = errors.New("corrupt cache payload")

// PayloadKind selects where a cache type keeps its value.
type PayloadKind int

const (
	// KindJSON stores JSON in the generic payload field.
	KindJSON PayloadKind = iota
	// KindURL stores a single absolute URL in the dedicated URL field.
	KindURL
)

// String returns the kind name.
func (k PayloadKind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindURL:
		return "url"
	default:
		return "unknown"
	}
}

// Payload is a decoded cache value, discriminated by Kind.
type Payload struct {
	Kind PayloadKind
	JSON json.RawMessage
	URL  string
}

// Decode unmarshals the payload into dst. URL payloads decode into *string
// or, for any other dst, as a JSON string.
func (p Payload) Decode(dst any) error {
	switch p.Kind {
	case KindURL:
		if s, ok := dst.(*string); ok {
			*s = p.URL
			return nil
		}
		raw, err := json.Marshal(p.URL)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst)
	default:
		return json.Unmarshal(p.JSON, dst)
	}
}

// Value returns the payload as JSON suitable for an HTTP response.
func (p Payload) Value() json.RawMessage {
	if p.Kind == KindURL {
		raw, _ := json.Marshal(p.URL)
		return raw
	}
	return p.JSON
}

// Kinds maps cache types to their payload kind. Unlisted types use KindJSON.
type Kinds map[string]PayloadKind

// Of returns the kind registered for typ.
func (k Kinds) Of(typ string) PayloadKind {
	if kind, ok := k[typ]; ok {
		return kind
	}
	return KindJSON
}

// encodePayload builds the stored representation of data for kind.
func encodePayload(kind PayloadKind, data any) (Payload, error) {
	switch kind {
	case KindURL:
		var s string
		switch v := data.(type) {
		case string:
			s = v
		case *url.URL:
			s = v.String()
		case json.RawMessage:
			if err := json.Unmarshal(v, &s); err != nil {
				return Payload{}, fmt.Errorf("url payload must be a string: %w", err)
			}
		default:
			return Payload{}, fmt.Errorf("url payload must be a string, got %T", data)
		}
		if err := validateURL(s); err != nil {
			return Payload{}, err
		}
		return Payload{Kind: KindURL, URL: s}, nil
	default:
		var raw json.RawMessage
		switch v := data.(type) {
		case json.RawMessage:
			raw = v
		default:
			b, err := json.Marshal(data)
			if err != nil {
				return Payload{}, fmt.Errorf("marshal payload: %w", err)
			}
			raw = b
		}
		if !json.Valid(raw) {
			return Payload{}, errors.New("payload is not valid JSON")
		}
		return Payload{Kind: KindJSON, JSON: raw}, nil
	}
}

// decodePayload extracts and checks the payload of rec for kind.
func decodePayload(kind PayloadKind, rec *CacheRecord) (Payload, error) {
	switch kind {
	case KindURL:
		if err := validateURL(rec.URL); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return Payload{Kind: KindURL, URL: rec.URL}, nil
	default:
		raw := strings.TrimSpace(rec.Payload)
		if raw == "" || !json.Valid([]byte(raw)) {
			return Payload{}, fmt.Errorf("%w: payload is not valid JSON", ErrCorrupt)
		}
		return Payload{Kind: KindJSON, JSON: json.RawMessage(raw)}, nil
	}
}

// store writes p into the fields of rec, clearing the field the kind does not use.
func (p Payload) store(rec *CacheRecord) {
	switch p.Kind {
	case KindURL:
		rec.URL = p.URL
		rec.Payload = ""
	default:
		rec.Payload = string(p.JSON)
		rec.URL = ""
	}
}

func validateURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("url is empty")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}
