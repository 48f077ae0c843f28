package db

import (
	"context"
	"time"

	"ms-booking/internal/models"
)

// ConflictQuery checks the calendar inside the same transaction as the
// transition write, so a confirm cannot race another confirm for an
// overlapping range.
type ConflictQuery interface {
	FindOverlapping(ctx context.Context, itemID string, start, end time.Time, excludeBookingID string) ([]string, error)
}

// ApplyFunc mutates a row-locked booking and returns the history entry to
// append. Returning an error aborts the transaction; booking and history
// stay untouched.
type ApplyFunc func(ctx context.Context, b *models.Booking, q ConflictQuery) (*models.BookingStatusHistory, error)

type Store interface {
	ConflictQuery

	InsertBooking(ctx context.Context, b *models.Booking, initial *models.BookingStatusHistory) error
	GetBookingByID(ctx context.Context, id string) (*models.Booking, error)

	// TransitionTx runs apply against the booking under a row lock and
	// persists the mutated booking plus one history row atomically.
	TransitionTx(ctx context.Context, bookingID string, apply ApplyFunc) (*models.Booking, error)

	HistoryForBooking(ctx context.Context, bookingID string) ([]models.BookingStatusHistory, error)
	ComplianceExport(ctx context.Context, from, to time.Time) ([]models.ComplianceRecord, error)

	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	ActivePolicyTiers(ctx context.Context) (int, []models.PolicyTier, error)
	ReplacePolicyTiers(ctx context.Context, tiers []models.PolicyTier) (int, error)
}
