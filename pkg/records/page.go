package records

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Query parameter names of list endpoints.
const (
	ParamFilters     = "filters"
	ParamPage        = "page"
	ParamRowsPerPage = "rows_per_page"
)

// MaxRowsPerPage is the largest page the backend serves.
const MaxRowsPerPage = 1000

// Page is the list endpoint response body.
type Page struct {
	Records      []Record `json:"records"`
	TotalRecords int      `json:"total_records"`
	TotalPages   int      `json:"total_pages"`
	CurrentPage  int      `json:"current_page"`
}

// Query selects a page of records.
type Query struct {
	Filter      *Filter
	Page        int
	RowsPerPage int
}

// Values encodes the query as URL parameters. Page defaults to 1 and
// RowsPerPage is clamped to MaxRowsPerPage.
func (q Query) Values() (url.Values, error) {
	v := url.Values{}
	filters, err := q.Filter.Encode()
	if err != nil {
		return nil, err
	}
	if filters != "" {
		v.Set(ParamFilters, filters)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	rows := q.RowsPerPage
	if rows < 1 || rows > MaxRowsPerPage {
		rows = MaxRowsPerPage
	}
	v.Set(ParamPage, strconv.Itoa(page))
	v.Set(ParamRowsPerPage, strconv.Itoa(rows))
	return v, nil
}

// ObjectPath is the collection endpoint of an object (table).
func ObjectPath(object string) string {
	return fmt.Sprintf("/v1/objects/%s/records", url.PathEscape(strings.TrimSpace(object)))
}

// RecordPath is the endpoint of a single record.
func RecordPath(object, id string) string {
	return ObjectPath(object) + "/" + url.PathEscape(id)
}
