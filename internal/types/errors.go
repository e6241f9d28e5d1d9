package types

import "errors"

// Domain error taxonomy. Every operation fails atomically with one of
// these; there is no partial commit and no internal retry.
var (
	ErrInvalidAmount        = errors.New("invalid amount - zero, oversize or overflow")
	ErrUnauthorized         = errors.New("unauthorized action")
	ErrInvalidTokenAccount  = errors.New("invalid token account - asset or owner mismatch")
	ErrTokenAccountRequired = errors.New("token account required for this operation")
	ErrInsufficientBalance  = errors.New("insufficient token balance")
	ErrRaceCondition        = errors.New("race condition detected - operation already performed")
	ErrCannotCancel         = errors.New("cannot cancel at this stage")
	ErrSignatureRequired    = errors.New("fiat side must sign before the crypto side")
	ErrOrderCompleted       = errors.New("order already completed")
	ErrOrderCancelled       = errors.New("order already cancelled")
	ErrActionTooFrequent    = errors.New("action too frequent - cooldown not elapsed")
	ErrTooManyFillsPerDay   = errors.New("too many fills for this order today")
	ErrOrderNotFound        = errors.New("order not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrAccountNotFound      = errors.New("token account not found")
)
