// -------------------------------------------------------------------------------
// Storage Errors - Sentinel Values
//
// Author: Alex Freidah
//
// Errors returned by the store of record and its circuit breaker. Callers
// match them with errors.Is.
// -------------------------------------------------------------------------------

package storage

import "errors"

var (
	// ErrRecordNotFound is returned when no landing page exists for an id.
	ErrRecordNotFound = errors.New("landing record not found")

	// ErrDBUnavailable is returned by CircuitBreakerStore while the circuit is
	// open and the database is considered unreachable.
	ErrDBUnavailable = errors.New("database unavailable")
)
