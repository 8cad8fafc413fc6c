// Package fault defines the error taxonomy shared across subsystems.
//
// Conflict outcomes (a duplicate result, a vote on a closed proposal) are
// deliberately NOT errors here: they are routine rejections surfaced as
// booleans by the callers that produce them.
package fault

import "errors"

var (
	// ErrInvalidInput marks malformed caller input: negative clock
	// counters, unknown job identifiers, bad emergency levels.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable marks a recoverable absence: peer exchange failure,
	// no healthy executor. Callers retry on their next interval or defer.
	ErrUnavailable = errors.New("unavailable")
)
