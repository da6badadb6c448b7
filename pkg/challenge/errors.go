package challenge

import "errors"

var (
	// ErrPoolExhausted is returned by serving when nothing can be claimed.
	ErrPoolExhausted = errors.New("challenge pool exhausted")
	// ErrInvalidToken is returned for a reservation token the store does not know.
	ErrInvalidToken = errors.New("invalid reservation token")
	// ErrTokenConsumed is returned when a token has already been verified.
	ErrTokenConsumed = errors.New("reservation token already consumed")
	// ErrLeaseExpired is returned when a token's lease elapsed before verification.
	ErrLeaseExpired = errors.New("reservation lease expired")
	// ErrBatchNotFound is returned for an unknown batch id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrInvalidTransition is returned when a status change breaks the lifecycle.
	ErrInvalidTransition = errors.New("invalid challenge transition")
)

// IsInvalidToken reports whether err means the token cannot be verified,
// as opposed to a wrong answer or an infrastructure failure.
func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenConsumed) ||
		errors.Is(err, ErrLeaseExpired)
}

// ErrBatchState is returned when a batch is not in the state an operation expects.
var ErrBatchState = errors.New("batch is not in the expected state")
