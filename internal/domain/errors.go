package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrLockHeld            = errors.New("lock already held")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNoMerchantAvailable = errors.New("no merchant available")
	ErrNoVendorAvailable   = errors.New("no vendor available")
	ErrMerchantNotEligible = errors.New("merchant not eligible")
	ErrAmountOutOfRange    = errors.New("amount outside merchant limits")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUnsupportedCoin     = errors.New("unsupported coin")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrProvider            = errors.New("wallet provider error")
	ErrReleaseInProgress   = errors.New("escrow release in progress")
	ErrDepositNotReceived  = errors.New("escrow deposit not received")
)

// ValidationError describes a rejected input. Reason is safe to show to end
// users.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError records a rejected compare-and-set on a status column.
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Target  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.Current, e.Target)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// UserMessage maps err to a short reason string for end users. Internal and
// provider details never leak through it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient credits for this trade"
	case errors.Is(err, ErrAmountOutOfRange):
		return "amount is outside the merchant's trade limits"
	case errors.Is(err, ErrMerchantNotEligible):
		return "selected merchant is not accepting trades"
	case errors.Is(err, ErrNoMerchantAvailable):
		return "no merchant available right now"
	case errors.Is(err, ErrNoVendorAvailable):
		return "no cash vendor available right now"
	case errors.Is(err, ErrUnsupportedCoin):
		return "coin is not supported"
	case errors.Is(err, ErrInvalidAddress):
		return "destination address is not valid for this coin"
	case errors.Is(err, ErrInvalidTransition):
		return "this action is not allowed in the current state"
	case errors.Is(err, ErrReleaseInProgress):
		return "release already in progress"
	case errors.Is(err, ErrDepositNotReceived):
		return "the seller's crypto deposit has not arrived yet"
	case errors.Is(err, ErrForbidden):
		return "you are not allowed to perform this action"
	case errors.Is(err, ErrUnauthorized):
		return "authentication required"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrAlreadyExists):
		return "already exists"
	case errors.Is(err, ErrRateLimited):
		return "too many requests, slow down"
	case errors.Is(err, ErrProvider):
		return "service unavailable, try again"
	default:
		return "internal error"
	}
}
