package domain

import "time"

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// ValidOperator reports whether op is a known comparison operator.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEquals, OpContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Condition is a single field predicate. All conditions on a trigger are
// AND-ed; an empty condition list always matches.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Trigger binds an event type plus conditions to a destination and message
// template. Triggers are soft-disabled (IsActive=false) rather than deleted
// while dispatch history references them.
type Trigger struct {
	ID          string      `json:"id"`
	SiteID      string      `json:"site_id"`
	Name        string      `json:"name"`
	EventType   string      `json:"event_type"`
	Conditions  []Condition `json:"conditions"`
	Template    string      `json:"template"`
	Destination string      `json:"destination"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
