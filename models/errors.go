package models

import "errors"

// Sentinel errors for the settlement engine. Handlers map these to HTTP
// statuses; callers discriminate with errors.Is.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMatchFull         = errors.New("match is full")
	ErrAlreadyJoined     = errors.New("user already holds a slot in this match")
	ErrInvalidCode       = errors.New("invalid room code")
	ErrInvalidState      = errors.New("operation not valid in current state")

	// ErrAlreadySettled marks a reservation whose held→captured/released
	// transition already happened. Retrying callers treat it as success.
	ErrAlreadySettled = errors.New("reservation already settled")

	// ErrPartialCancel reports that some, but not all, reservations of a
	// cancelled match were released. The match keeps its state; the cancel
	// is safe to re-invoke because release is idempotent.
	ErrPartialCancel = errors.New("cancellation incomplete, some reservations still held")

	// ErrSettlementIncomplete reports that one or more captures failed during
	// settlement. The match stays active; settle is safe to re-invoke.
	ErrSettlementIncomplete = errors.New("settlement incomplete, retry")

	ErrInvalidConfig    = errors.New("invalid prize configuration")
	ErrIncompleteReport = errors.New("every participant needs an outcome entry")
	ErrOfferExpired     = errors.New("rematch offer has expired")
	ErrNotResponder     = errors.New("only the offer responder may accept or decline")
	ErrNotRequester     = errors.New("only the offer requester may cancel")

	// ErrConflict signals a lost optimistic-concurrency race; the operation
	// can be retried against fresh state.
	ErrConflict = errors.New("concurrent update, retry")
)
