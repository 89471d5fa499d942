package escrow

import "errors"

var (
	ErrNotFound          = errors.New("escrow contract not found")
	ErrInvalidState      = errors.New("operation not allowed in current contract state")
	ErrUnauthorized      = errors.New("caller is not authorized for this operation")
	ErrInvalidSignature  = errors.New("signature verification failed")
	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrConditionNotMet is informational: evaluation ran and the release
	// condition is not yet satisfied.
	ErrConditionNotMet = errors.New("release condition not met")
)
