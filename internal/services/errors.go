package services

import (
	"errors"
	"fmt"

	"campuslibrary/internal/policy"
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrValidation covers malformed input: out-of-range ratings, missing
	// fields, duplicate emails.
	ErrValidation = errors.New("invalid input")

	// ErrDuplicateActiveRequest is returned when the student already has a
	// Requested or Borrowed record for the same book.
	ErrDuplicateActiveRequest = errors.New("an active borrow request already exists for this book")

	// ErrInvalidTransition is returned when a borrow request is moved out of
	// a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid borrow request transition")

	// ErrNotFound is returned when a referenced user, book, request or
	// attachment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is the authorization guard's denial.
	ErrUnauthorized = policy.ErrUnauthorized
)

var (
	ErrEmailAlreadyExists = fmt.Errorf("%w: email already exists", ErrValidation)
	ErrRatingOutOfRange   = fmt.Errorf("%w: rating must be between 1 and 5", ErrValidation)
	ErrCannotDeleteSelf   = fmt.Errorf("%w: administrators cannot delete their own account", ErrValidation)

	ErrUserNotFound    = fmt.Errorf("user %w", ErrNotFound)
	ErrBookNotFound    = fmt.Errorf("book %w", ErrNotFound)
	ErrRequestNotFound = fmt.Errorf("borrow request %w", ErrNotFound)
	ErrRatingNotFound  = fmt.Errorf("rating %w", ErrNotFound)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
