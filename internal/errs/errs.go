// Package errs contains sentinel errors shared across layers so that
// handlers can map failures to responses without string matching.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness violation on username or email.
	ErrDuplicate = errors.New("already exists")

	// ErrConflict indicates an optimistic-concurrency failure; the caller
	// must re-read the record and retry.
	ErrConflict = errors.New("concurrency conflict")

	// ErrValidation indicates bad input (missing profile fields,
	// password policy violation).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials covers both unknown user and wrong password,
	// deliberately indistinguishable to avoid account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotConfirmed indicates login before the email was confirmed.
	ErrNotConfirmed = errors.New("email not confirmed")

	// ErrLockedOut indicates the account is inside its lockout window.
	ErrLockedOut = errors.New("account locked out")

	// ErrInvalidToken indicates a confirmation/reset token that fails
	// signature or claim checks (including stamp rotation).
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken indicates a confirmation/reset token past its TTL.
	ErrExpiredToken = errors.New("token expired")

	// ErrTokenUsed indicates a replayed single-use token.
	ErrTokenUsed = errors.New("token already used")

	// ErrMailDelivery indicates the confirmation mail could not be
	// handed to the transport. Registration itself is not rolled back.
	ErrMailDelivery = errors.New("mail delivery failed")
)
