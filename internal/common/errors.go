// Package common holds the sentinel errors shared by every layer.
package common

import "errors"

var (
	ErrInvalidSlot       = errors.New("invalid slot")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrInvalidExpiry     = errors.New("invalid expiry")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrReplayDetected    = errors.New("replay detected")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrAlreadyExists     = errors.New("already exists")

	// ErrNonceUsed is returned by nonce stores when the nonce was consumed before.
	ErrNonceUsed = errors.New("nonce already used")

	ErrCalendarUnavailable = errors.New("calendar provider unavailable")
	ErrStorage             = errors.New("storage unavailable")
)
