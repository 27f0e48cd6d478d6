package services

import (
	"errors"

	"github.com/contact-unlock/backend/internal/repositories"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrProposalPending      = errors.New("a proposal between these accounts is already pending")
	ErrAlreadyUnlocked      = errors.New("already unlocked")
	ErrNotPending           = errors.New("connection is not pending")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrNotUnlocked          = errors.New("conversation is not unlocked")
	ErrAwaitingCounterparty = errors.New("awaiting counterparty unlock")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrSelfConnection       = errors.New("cannot connect to yourself")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrMessageTooLong       = errors.New("message is too long")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrDuplicateReference   = errors.New("reference already settled")
	ErrConnectionConflict   = errors.New("a connection between these accounts changed concurrently")
)

// Class is the caller-facing category of an error.
type Class int

const (
	ClassInternal Class = iota
	ClassInsufficientBalance
	ClassInvalidState
	ClassNotFound
	ClassForbidden
	ClassLocked
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassInsufficientBalance:
		return "insufficient_balance"
	case ClassInvalidState:
		return "invalid_state"
	case ClassNotFound:
		return "not_found"
	case ClassForbidden:
		return "forbidden"
	case ClassLocked:
		return "locked"
	case ClassValidation:
		return "validation"
	}
	return "internal"
}

// ErrorClass maps err onto the error taxonomy. Anything unrecognised,
// including exhausted storage retries, is ClassInternal.
func ErrorClass(err error) Class {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return ClassInsufficientBalance
	case errors.Is(err, ErrAlreadyConnected),
		errors.Is(err, ErrProposalPending),
		errors.Is(err, ErrAlreadyUnlocked),
		errors.Is(err, ErrNotPending),
		errors.Is(err, ErrDuplicateReference),
		errors.Is(err, ErrConnectionConflict):
		return ClassInvalidState
	case errors.Is(err, ErrNotFound), errors.Is(err, repositories.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrForbidden):
		return ClassForbidden
	case errors.Is(err, ErrNotUnlocked), errors.Is(err, ErrAwaitingCounterparty):
		return ClassLocked
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSelfConnection),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrMessageTooLong),
		errors.Is(err, ErrInvalidPayload):
		return ClassValidation
	}
	return ClassInternal
}
