package cache

import (
	"fmt"
	"sort"
	"strings"
)

// ListType is the cache type under which FetchAll results are stored.
const ListType = "RecordList"

// QueryKey identifies a cached list query.
type QueryKey struct {
	// Object is the backend object (table) name, e.g. "object_12".
	Object string

	// Filters is the encoded filter, as sent in the filters parameter.
	Filters string

	// Params are further parameters that change the result (page_size, max_pages).
	Params map[string]string
}

// String generates a deterministic cache key string.
// Format: records:object:filters=...:param1=val1:param2=val2
//
// Example:
//
//	records:object_12:filters={"match":"and","rules":[]}:max_pages=20:page_size=1000
func (k QueryKey) String() string {
	parts := []string{"records"}

	object := strings.Trim(k.Object, "/ ")
	if object != "" {
		parts = append(parts, object)
	}

	if k.Filters != "" {
		parts = append(parts, "filters="+k.Filters)
	}

	if len(k.Params) > 0 {
		keys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Params[key]))
		}
	}

	return strings.Join(parts, ":")
}
