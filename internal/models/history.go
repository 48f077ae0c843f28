package models

import (
	"time"

	"github.com/uptrace/bun"
)

// BookingStatusHistory is the append-only audit trail. Rows are written in
// the same transaction as the booking state change and are never updated or
// deleted, so history cannot diverge from current state.
type BookingStatusHistory struct {
	bun.BaseModel `bun:"table:booking_status_history"`

	ID         string        `bun:"id,pk" json:"id"`
	BookingID  string        `bun:"booking_id,notnull" json:"booking_id"`
	FromStatus BookingStatus `bun:"from_status" json:"from_status"`
	ToStatus   BookingStatus `bun:"to_status,notnull" json:"to_status"`

	// Actor is a user id, or "system" for scheduler/worker transitions.
	Actor     string `bun:"actor,notnull" json:"actor"`
	ActorRole string `bun:"actor_role,notnull" json:"actor_role"`
	Reason    string `bun:"reason" json:"reason"`

	RefundAmount    *float64 `bun:"refund_amount,nullzero" json:"refund_amount,omitempty"`
	CancellationFee *float64 `bun:"cancellation_fee,nullzero" json:"cancellation_fee,omitempty"`
	AdminOverride   bool     `bun:"admin_override" json:"admin_override"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// ComplianceRecord joins a history row with the party identities of its
// booking for the compliance export.
type ComplianceRecord struct {
	BookingID     string        `json:"booking_id"`
	ReferenceCode string        `json:"reference_code"`
	RenterID      string        `json:"renter_id"`
	OwnerID       string        `json:"owner_id"`
	FromStatus    BookingStatus `json:"from_status"`
	ToStatus      BookingStatus `json:"to_status"`
	Actor         string        `json:"actor"`
	Reason        string        `json:"reason"`
	AdminOverride bool          `json:"admin_override"`
	OccurredAt    time.Time     `json:"occurred_at"`

	// Filled from the user registry when identity enrichment is enabled.
	RenterEmail string `json:"renter_email,omitempty"`
	OwnerEmail  string `json:"owner_email,omitempty"`
}
