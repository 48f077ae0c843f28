package booking

import (
	"errors"
	"fmt"
	"strings"

	"ms-booking/internal/models"
)

var ErrNotFound = errors.New("booking not found")

// InvalidTransitionError rejects a from/to pair outside the legal transition
// table. Never retried automatically.
type InvalidTransitionError struct {
	From models.BookingStatus
	To   models.BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// ConflictError reports overlapping calendar-occupying bookings. The caller
// may retry with different dates.
type ConflictError struct {
	BookingIDs []string
}

func (e *ConflictError) Error() string {
	return "booking dates conflict with existing bookings: " + strings.Join(e.BookingIDs, ", ")
}

// AuthorizationError rejects an actor not permitted to perform a transition.
type AuthorizationError struct {
	Actor  string
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %q is not authorized to %s", e.Actor, e.Action)
}

// ValidationError rejects malformed request data before any state is read.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Status-specific cancellation rejections surfaced as 400s by the API.
var (
	ErrPendingNotCancellable = &ValidationError{
		Msg: "pending bookings do not block availability; withdraw the request instead of cancelling",
	}
	ErrNotCancellable = &ValidationError{
		Msg: "cannot cancel in-progress or completed bookings",
	}
)
