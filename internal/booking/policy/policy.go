package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"ms-booking/internal/models"
)

// DefaultPlatformFeeRate is the non-refundable platform cut, always
// subtracted from the refund and never added to the cancellation fee.
const DefaultPlatformFeeRate = 0.10

// Error is a policy configuration failure: no matching tier or a malformed
// table. It is a configuration bug, so callers fail closed.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "policy error: " + e.Msg
}

func errorf(format string, args ...interface{}) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// DefaultTable returns the built-in tier set used until admins edit the
// policy. Boundary hours belong to the more generous tier.
func DefaultTable() models.PolicyTable {
	upper := func(h float64) *float64 { return &h }
	return models.PolicyTable{
		Version:         1,
		PlatformFeeRate: DefaultPlatformFeeRate,
		Tiers: []models.PolicyTier{
			{LowerBoundHours: 168, UpperBoundHours: nil, RefundFraction: 1.0, FeeFraction: 0, Reason: "full refund minus platform fee"},
			{LowerBoundHours: 72, UpperBoundHours: upper(168), RefundFraction: 0.5, FeeFraction: 0, Reason: "half refund minus platform fee"},
			{LowerBoundHours: 24, UpperBoundHours: upper(72), RefundFraction: 0, FeeFraction: 0.2, Reason: "no refund, partial fee"},
			{LowerBoundHours: 0, UpperBoundHours: upper(24), RefundFraction: 0, FeeFraction: 1.0, Reason: "no refund, full charge"},
		},
	}
}

// ValidateTable checks that the tiers are contiguous and exhaustive over
// [0, +inf): no gaps, no overlaps, exactly one unbounded tier, sane
// fractions. Run on every admin edit, not just at startup.
func ValidateTable(table models.PolicyTable) error {
	if len(table.Tiers) == 0 {
		return errorf("policy table has no tiers")
	}
	if table.PlatformFeeRate < 0 || table.PlatformFeeRate > 1 {
		return errorf("platform fee rate %.2f out of range", table.PlatformFeeRate)
	}

	tiers := make([]models.PolicyTier, len(table.Tiers))
	copy(tiers, table.Tiers)
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].LowerBoundHours < tiers[j].LowerBoundHours
	})

	if tiers[0].LowerBoundHours != 0 {
		return errorf("tiers must start at 0 hours, got %.1f", tiers[0].LowerBoundHours)
	}

	for i, tier := range tiers {
		if tier.RefundFraction < 0 || tier.RefundFraction > 1 {
			return errorf("tier %d refund fraction %.2f out of range", i, tier.RefundFraction)
		}
		if tier.FeeFraction < 0 || tier.FeeFraction > 1 {
			return errorf("tier %d fee fraction %.2f out of range", i, tier.FeeFraction)
		}

		last := i == len(tiers)-1
		if last {
			if tier.UpperBoundHours != nil {
				return errorf("last tier must be unbounded, got upper bound %.1f", *tier.UpperBoundHours)
			}
			continue
		}
		if tier.UpperBoundHours == nil {
			return errorf("tier %d is unbounded but not last", i)
		}
		if *tier.UpperBoundHours <= tier.LowerBoundHours {
			return errorf("tier %d upper bound %.1f not above lower bound %.1f", i, *tier.UpperBoundHours, tier.LowerBoundHours)
		}
		if *tier.UpperBoundHours != tiers[i+1].LowerBoundHours {
			return errorf("gap or overlap between %.1fh and %.1fh", *tier.UpperBoundHours, tiers[i+1].LowerBoundHours)
		}
	}
	return nil
}

// Evaluate computes the cancellation decision for a booking total against
// the table. Pure function of (total, startDate, now) and the table; no I/O.
// Whether the booking is cancellable at all is the state machine's job.
func Evaluate(total float64, startDate, now time.Time, table models.PolicyTable) (*models.CancellationDecision, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, errorf("negative booking total %.2f", total)
	}

	hoursUntilStart := startDate.Sub(now).Hours()
	if hoursUntilStart < 0 {
		return nil, errorf("booking start already passed (%.1fh ago)", -hoursUntilStart)
	}

	tier := matchTier(table.Tiers, hoursUntilStart)
	if tier == nil {
		return nil, errorf("no tier matches %.1f hours until start", hoursUntilStart)
	}

	platformFee := round2(total * table.PlatformFeeRate)
	refund := round2(total*tier.RefundFraction - platformFee)
	if refund < 0 {
		refund = 0
	}
	fee := round2(total * tier.FeeFraction)

	return &models.CancellationDecision{
		RefundAmount:    refund,
		CancellationFee: fee,
		PlatformFee:     platformFee,
		Reason:          tier.Reason,
	}, nil
}

func matchTier(tiers []models.PolicyTier, hours float64) *models.PolicyTier {
	for i := range tiers {
		tier := &tiers[i]
		if hours < tier.LowerBoundHours {
			continue
		}
		if tier.UpperBoundHours == nil || hours < *tier.UpperBoundHours {
			return tier
		}
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
