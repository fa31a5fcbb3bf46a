package trigger

import "errors"

// Sentinel errors for the trigger service layer.
var (
	ErrNotFound        = errors.New("trigger not found")
	ErrInvalidOperator = errors.New("unknown condition operator")
	ErrValidation      = errors.New("trigger validation failed")
)
