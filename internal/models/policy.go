package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PolicyTier maps an hours-until-start bucket [LowerBoundHours,
// UpperBoundHours) to refund and fee fractions of the booking total. A nil
// upper bound means +infinity.
type PolicyTier struct {
	bun.BaseModel `bun:"table:cancellation_policy_tiers"`

	ID              string    `bun:"id,pk" json:"id"`
	Version         int       `bun:"version,notnull" json:"version"`
	LowerBoundHours float64   `bun:"lower_bound_hours,notnull" json:"lower_bound_hours"`
	UpperBoundHours *float64  `bun:"upper_bound_hours,nullzero" json:"upper_bound_hours,omitempty"`
	RefundFraction  float64   `bun:"refund_fraction,notnull" json:"refund_fraction"`
	FeeFraction     float64   `bun:"fee_fraction,notnull" json:"fee_fraction"`
	Reason          string    `bun:"reason,notnull" json:"reason"`
	CreatedAt       time.Time `bun:"created_at,notnull" json:"created_at"`
}

// PolicyTable is the active, versioned tier set handed to the policy engine.
type PolicyTable struct {
	Version         int          `json:"version"`
	PlatformFeeRate float64      `json:"platform_fee_rate"`
	Tiers           []PolicyTier `json:"tiers"`
}

// CancellationDecision is the outcome of evaluating a cancellation against
// the policy table. It is embedded into the history entry and returned to
// the caller; the caller executes the refund.
type CancellationDecision struct {
	RefundAmount    float64 `json:"refund_amount"`
	CancellationFee float64 `json:"cancellation_fee"`
	PlatformFee     float64 `json:"platform_fee"`
	Reason          string  `json:"reason"`
}

type PolicyUpdateRequest struct {
	Tiers []PolicyTier `json:"tiers"`
}
