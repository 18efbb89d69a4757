package environment

import "errors"

// Validation errors returned by Machine.Transition before anything is
// written. They are safe to show to the acting user.
var (
	ErrPendingScenarios   = errors.New("environment has scenarios that are not complete on both platforms")
	ErrInvalidEnvironment = errors.New("environment not found")
	ErrInvalidStatus      = errors.New("invalid environment status")
)

// IsValidationError reports whether err is one of the recoverable
// validation failures rather than a persistence failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrPendingScenarios) ||
		errors.Is(err, ErrInvalidEnvironment) ||
		errors.Is(err, ErrInvalidStatus)
}
