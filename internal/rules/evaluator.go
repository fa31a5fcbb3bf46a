// Package rules implements condition evaluation for triggers. Evaluation is
// a pure function over an event's fields: no I/O, no shared state, safe to
// run in parallel across triggers.
package rules

import (
	"strconv"
	"strings"

	"github.com/alertstream/engine/internal/domain"
)

// Matches reports whether the event satisfies every condition. An empty
// condition list always matches (an explicit "always fires" trigger).
// Malformed data never produces an error: a condition that cannot be
// evaluated is simply false, so one bad trigger cannot block others.
func Matches(event *domain.Event, conditions []domain.Condition) bool {
	for _, c := range conditions {
		if !evaluate(event, c) {
			return false
		}
	}
	return true
}

// evaluate applies a single condition against the event. A field absent
// from the event evaluates false for every operator (no implicit wildcard).
func evaluate(event *domain.Event, c domain.Condition) bool {
	raw, ok := event.Fields[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case domain.OpEquals:
		// Numeric equality when both sides parse as numbers, so that
		// "10" equals 10.0; string equality (case-sensitive) otherwise.
		if condNum, err := strconv.ParseFloat(c.Value, 64); err == nil {
			if fieldNum, numeric := toNumber(raw); numeric {
				return fieldNum == condNum
			}
		}
		return toString(raw) == c.Value

	case domain.OpContains:
		return strings.Contains(strings.ToLower(toString(raw)), strings.ToLower(c.Value))

	case domain.OpGreaterThan:
		fieldNum, ok := toNumber(raw)
		condNum, err := strconv.ParseFloat(c.Value, 64)
		if !ok || err != nil {
			return false
		}
		return fieldNum > condNum

	case domain.OpLessThan:
		fieldNum, ok := toNumber(raw)
		condNum, err := strconv.ParseFloat(c.Value, 64)
		if !ok || err != nil {
			return false
		}
		return fieldNum < condNum
	}

	// Unknown operator: never matches, never errors.
	return false
}

// toNumber coerces a field value to float64. Strings are parsed; bools are
// not numeric.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toString coerces a field value to its canonical string form. Numbers are
// formatted without a trailing ".0" so JSON-decoded integers round-trip.
func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}
