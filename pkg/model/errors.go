package model

import "github.com/m-mizutani/goerr/v2"

// Error taxonomy shared by every layer. Components wrap one of these with
// goerr.Wrap and callers classify with errors.Is.
var (
	ErrUnauthenticated = goerr.New("unauthenticated")
	ErrAccessDenied    = goerr.New("access denied")
	ErrNotFound        = goerr.New("not found")
	ErrValidation      = goerr.New("validation failed")
	ErrUpstream        = goerr.New("upstream failure")
	ErrStorage         = goerr.New("storage failure")

	ErrEmailExists = goerr.New("email already registered")
	ErrEmptyUpdate = goerr.New("no update data provided")
	ErrRejected    = goerr.New("message rejected by policy")
)

// Categorize attaches a taxonomy sentinel to cause so that errors.Is matches
// both the category and the original error.
func Categorize(category, cause error) error {
	return &categorizedError{category: category, cause: cause}
}

type categorizedError struct {
	category error
	cause    error
}

func (x *categorizedError) Error() string   { return x.category.Error() + ": " + x.cause.Error() }
func (x *categorizedError) Unwrap() []error { return []error{x.category, x.cause} }
