package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusConfirmed  BookingStatus = "confirmed"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
	StatusDisputed   BookingStatus = "disputed"
	StatusRefunded   BookingStatus = "refunded"
	StatusExpired    BookingStatus = "expired"
)

// Actor roles recorded in the audit trail.
const (
	ActorSystem = "system"

	RoleRenter = "renter"
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	BookingID     string `bun:"booking_id,pk" json:"booking_id"`
	ReferenceCode string `bun:"reference_code,notnull" json:"reference_code"`

	RenterID string `bun:"renter_id,notnull" json:"renter_id"`
	OwnerID  string `bun:"owner_id,notnull" json:"owner_id"`
	ItemID   string `bun:"item_id,notnull" json:"item_id"`

	StartDate time.Time     `bun:"start_date,notnull" json:"start_date"`
	EndDate   time.Time     `bun:"end_date,notnull" json:"end_date"`
	Status    BookingStatus `bun:"status,notnull" json:"status"`

	TotalAmount     float64  `bun:"total_amount,notnull" json:"total_amount"`
	Currency        string   `bun:"currency,notnull" json:"currency"`
	PlatformFee     float64  `bun:"platform_fee" json:"platform_fee"`
	SecurityDeposit float64  `bun:"security_deposit" json:"security_deposit"`
	RefundAmount    *float64 `bun:"refund_amount,nullzero" json:"refund_amount,omitempty"`
	CancellationFee *float64 `bun:"cancellation_fee,nullzero" json:"cancellation_fee,omitempty"`

	PaymentIntentID  string `bun:"payment_intent_id,nullzero" json:"payment_intent_id,omitempty"`
	PaymentCompleted bool   `bun:"payment_completed" json:"payment_completed"`

	ConfirmationNotes string `bun:"confirmation_notes,nullzero" json:"confirmation_notes,omitempty"`

	CreatedAt   time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull" json:"updated_at"`
	ConfirmedAt *time.Time `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	StartedAt   *time.Time `bun:"started_at,nullzero" json:"started_at,omitempty"`
	CompletedAt *time.Time `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	CancelledAt *time.Time `bun:"cancelled_at,nullzero" json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `bun:"expired_at,nullzero" json:"expired_at,omitempty"`
}

// IsTerminal reports whether the booking can no longer leave its status
// except through the disputed/refunded side-branch.
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case StatusRefunded, StatusExpired:
		return true
	}
	return false
}

type CreateBookingRequest struct {
	ItemID          string    `json:"item_id"`
	OwnerID         string    `json:"owner_id"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	TotalAmount     float64   `json:"total_amount"`
	Currency        string    `json:"currency"`
	SecurityDeposit float64   `json:"security_deposit"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

type AdminCancelRequest struct {
	Reason          string `json:"reason"`
	ForceFullRefund bool   `json:"force_full_refund"`
}

type ConfirmBookingRequest struct {
	Notes string `json:"notes,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome"` // "refunded" or "completed"
	Reason  string `json:"reason"`
}

type ProcessRefundRequest struct {
	TransactionID string `json:"transaction_id"`
}

type BookingResponse struct {
	Booking  *Booking              `json:"booking"`
	Decision *CancellationDecision `json:"decision,omitempty"`
	// Base64 PNG of the encrypted handover pass, present after confirmation.
	HandoverPass string `json:"handover_pass,omitempty"`
}
