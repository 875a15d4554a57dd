// Package service implements the funnel engine: economics validation,
// room admission, payment reconciliation, entry gating and advancement.
package service

import (
	"errors"
	"fmt"
)

var (
	// validation
	ErrInvalidConfig       = errors.New("invalid funnel config")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrStageRequiresTicket = errors.New("stage requires a ticket")

	// capacity
	ErrRoomFull            = errors.New("room full")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// payment
	ErrPaymentNotApproved  = errors.New("payment not approved")
	ErrPaymentVerification = errors.New("payment verification failed")
	ErrPaymentVoided       = errors.New("payment voided")
	ErrPaymentProvider     = errors.New("payment provider error")

	// ticket
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrTicketExpired       = errors.New("ticket expired")
	ErrTicketAlreadyUsed   = errors.New("ticket already used")
	ErrTicketStageMismatch = errors.New("ticket stage does not match room")

	ErrDuplicateEntry     = errors.New("user already holds a seat in this stage")
	ErrRoomNotFound       = errors.New("room not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrRoomNotClosed      = errors.New("room not closed")
	ErrInvariantViolation = errors.New("invariant violation")
)

// RoomFullError is returned when an admission finds no free seat.  It
// carries a room of the same stage the caller can retry against.
type RoomFullError struct {
	Slug         string
	Stage        int
	FallbackSlug string
}

func (e *RoomFullError) Error() string {
	if e.FallbackSlug != "" {
		return fmt.Sprintf("room %s is full, try %s", e.Slug, e.FallbackSlug)
	}
	return fmt.Sprintf("room %s is full", e.Slug)
}

func (e *RoomFullError) Is(target error) bool { return target == ErrRoomFull }

// Kind groups errors for transport mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCapacity   Kind = "capacity"
	KindPayment    Kind = "payment"
	KindTicket     Kind = "ticket"
	KindDuplicate  Kind = "duplicate"
	KindNotFound   Kind = "not_found"
	KindState      Kind = "state"
	KindInvariant  Kind = "invariant"
	KindInternal   Kind = "internal"
)

// KindOf classifies err.  Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrStageRequiresTicket):
		return KindValidation
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrConcurrencyConflict):
		return KindCapacity
	case errors.Is(err, ErrRoomNotClosed):
		return KindState
	case errors.Is(err, ErrPaymentNotApproved), errors.Is(err, ErrPaymentVerification),
		errors.Is(err, ErrPaymentVoided), errors.Is(err, ErrPaymentProvider):
		return KindPayment
	case errors.Is(err, ErrTicketNotFound), errors.Is(err, ErrTicketExpired),
		errors.Is(err, ErrTicketAlreadyUsed), errors.Is(err, ErrTicketStageMismatch):
		return KindTicket
	case errors.Is(err, ErrDuplicateEntry):
		return KindDuplicate
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrPaymentNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariant
	}
	return KindInternal
}

// Reason returns a short machine-readable code for a business error.
func Reason(err error) string {
	for _, c := range []struct {
		err  error
		code string
	}{
		{ErrRoomFull, "room_full"},
		{ErrConcurrencyConflict, "concurrency_conflict"},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrPaymentNotApproved, "payment_not_approved"},
		{ErrPaymentVerification, "payment_verification_failed"},
		{ErrPaymentVoided, "payment_voided"},
		{ErrPaymentProvider, "payment_provider_error"},
		{ErrTicketNotFound, "ticket_not_found"},
		{ErrTicketExpired, "ticket_expired"},
		{ErrTicketAlreadyUsed, "ticket_already_used"},
		{ErrTicketStageMismatch, "ticket_stage_mismatch"},
		{ErrDuplicateEntry, "duplicate_entry"},
		{ErrStageRequiresTicket, "stage_requires_ticket"},
		{ErrRoomNotFound, "room_not_found"},
		{ErrPaymentNotFound, "payment_not_found"},
		{ErrRoomNotClosed, "room_not_closed"},
		{ErrInvalidConfig, "invalid_config"},
		{ErrInvalidRequest, "invalid_request"},
		{ErrInvariantViolation, "invariant_violation"},
	} {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// FallbackOf returns the alternate room suggested by a RoomFullError.
func FallbackOf(err error) string {
	var rf *RoomFullError
	if errors.As(err, &rf) {
		return rf.FallbackSlug
	}
	return ""
}
