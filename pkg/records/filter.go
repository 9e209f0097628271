package records

import (
	"encoding/json"
	"fmt"
)

// Match combines the rules of a filter.
type Match string

const (
	MatchAnd Match = "and"
	MatchOr  Match = "or"
)

// Operator compares a record field with a rule value.
type Operator string

const (
	OpIs             Operator = "is"
	OpIsNot          Operator = "is not"
	OpContains       Operator = "contains"
	OpDoesNotContain Operator = "does not contain"
	OpIsBefore       Operator = "is before"
	OpIsAfter        Operator = "is after"
	OpHigherThan     Operator = "higher than"
	OpLowerThan      Operator = "lower than"
	OpIsBlank        Operator = "is blank"
	OpIsNotBlank     Operator = "is not blank"
)

// Rule is a single field condition.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Filter is the structured query object accepted by list endpoints.
type Filter struct {
	Match Match  `json:"match"`
	Rules []Rule `json:"rules"`
}

// And builds a filter whose rules must all hold.
func And(rules ...Rule) *Filter {
	return &Filter{Match: MatchAnd, Rules: rules}
}

// Or builds a filter where any rule may hold.
func Or(rules ...Rule) *Filter {
	return &Filter{Match: MatchOr, Rules: rules}
}

// Is is shorthand for an equality rule.
func Is(field string, value any) Rule {
	return Rule{Field: field, Operator: OpIs, Value: value}
}

// Validate reports malformed filters before they are sent.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	switch f.Match {
	case MatchAnd, MatchOr, "":
	default:
		return fmt.Errorf("invalid filter match %q", f.Match)
	}
	for i, r := range f.Rules {
		if r.Field == "" {
			return fmt.Errorf("filter rule %d: field is required", i)
		}
		if r.Operator == "" {
			return fmt.Errorf("filter rule %d: operator is required", i)
		}
	}
	return nil
}

// Encode serialises the filter for the filters query parameter.
func (f *Filter) Encode() (string, error) {
	if f == nil || len(f.Rules) == 0 {
		return "", nil
	}
	if err := f.Validate(); err != nil {
		return "", err
	}
	out := *f
	if out.Match == "" {
		out.Match = MatchAnd
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal filter: %w", err)
	}
	return string(data), nil
}

// DecodeFilter parses the filters query parameter. An empty string yields nil.
func DecodeFilter(s string) (*Filter, error) {
	if s == "" {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
