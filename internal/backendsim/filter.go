package backendsim

import (
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/records"
)

// Matches evaluates a filter against a record. A nil or empty filter matches.
func Matches(f *records.Filter, rec records.Record) bool {
	if f == nil || len(f.Rules) == 0 {
		return true
	}
	if f.Match == records.MatchOr {
		for _, r := range f.Rules {
			if matchRule(r, rec) {
				return true
			}
		}
		return false
	}
	for _, r := range f.Rules {
		if !matchRule(r, rec) {
			return false
		}
	}
	return true
}

func matchRule(r records.Rule, rec records.Record) bool {
	field := rec.String(r.Field)
	value := records.Record{"v": r.Value}.String("v")

	switch r.Operator {
	case records.OpIs:
		return strings.EqualFold(field, value)
	case records.OpIsNot:
		return !strings.EqualFold(field, value)
	case records.OpContains:
		return strings.Contains(strings.ToLower(field), strings.ToLower(value))
	case records.OpDoesNotContain:
		return !strings.Contains(strings.ToLower(field), strings.ToLower(value))
	case records.OpIsBlank:
		return strings.TrimSpace(field) == ""
	case records.OpIsNotBlank:
		return strings.TrimSpace(field) != ""
	case records.OpIsBefore:
		c, ok := compareTime(field, value)
		return ok && c < 0
	case records.OpIsAfter:
		c, ok := compareTime(field, value)
		return ok && c > 0
	case records.OpHigherThan:
		c, ok := compareNumber(field, value)
		return ok && c > 0
	case records.OpLowerThan:
		c, ok := compareNumber(field, value)
		return ok && c < 0
	default:
		return false
	}
}

func compareTime(a, b string) (int, bool) {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return 0, false
	}
	return ta.Compare(tb), true
}

func compareNumber(a, b string) (int, bool) {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}
