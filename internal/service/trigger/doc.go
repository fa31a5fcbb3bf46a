// Package trigger implements trigger rule management (the rule store).
//
// The service layer contains validation and lifecycle logic for triggers.
// It depends on the Repository interface defined in this package and should
// never import from api/.
//
// Repository implementations live in repository/postgres/ and
// repository/memory/.
package trigger
