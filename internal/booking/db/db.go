package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-booking/internal/models"
)

// Statuses that occupy the calendar for conflict purposes. Cancelled,
// expired and refunded bookings never conflict.
var occupyingStatuses = []models.BookingStatus{
	models.StatusPending,
	models.StatusConfirmed,
	models.StatusInProgress,
}

type DB struct {
	Bun *bun.DB
}

// rowLock applies SELECT ... FOR UPDATE on Postgres. SQLite (used by the
// in-memory tests) serializes writers itself and rejects the clause.
func (d *DB) rowLock(q *bun.SelectQuery) *bun.SelectQuery {
	if d.Bun.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}

// InsertBooking creates the booking together with its creation history row.
func (d *DB) InsertBooking(ctx context.Context, b *models.Booking, initial *models.BookingStatusHistory) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(b).Exec(ctx); err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		if initial != nil {
			if _, err := tx.NewInsert().Model(initial).Exec(ctx); err != nil {
				return fmt.Errorf("insert initial history: %w", err)
			}
		}
		return nil
	})
}

func (d *DB) GetBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := d.Bun.NewSelect().
		Model(&b).
		Where("booking_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// TransitionTx is the atomic unit behind every state transition: lock the
// row, run apply, write the new state and one history row, commit. Any
// error from apply leaves the booking entirely unchanged.
func (d *DB) TransitionTx(ctx context.Context, bookingID string, apply ApplyFunc) (*models.Booking, error) {
	var result *models.Booking
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var b models.Booking
		q := tx.NewSelect().
			Model(&b).
			Where("booking_id = ?", bookingID).
			Limit(1)
		if err := d.rowLock(q).Scan(ctx); err != nil {
			return fmt.Errorf("lock booking %s: %w", bookingID, err)
		}

		entry, err := apply(ctx, &b, &txQuerier{tx: tx})
		if err != nil {
			return err
		}

		b.UpdatedAt = time.Now().UTC()
		if _, err := tx.NewUpdate().
			Model(&b).
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("update booking %s: %w", bookingID, err)
		}

		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			return fmt.Errorf("append history for %s: %w", bookingID, err)
		}

		result = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// txQuerier runs conflict reads on the open transaction.
type txQuerier struct {
	tx bun.Tx
}

func (q *txQuerier) FindOverlapping(ctx context.Context, itemID string, start, end time.Time, excludeBookingID string) ([]string, error) {
	return findOverlapping(ctx, q.tx, itemID, start, end, excludeBookingID)
}

// FindOverlapping outside a transaction gives the tentative-slot check used
// at creation time; the authoritative check happens inside TransitionTx.
func (d *DB) FindOverlapping(ctx context.Context, itemID string, start, end time.Time, excludeBookingID string) ([]string, error) {
	return findOverlapping(ctx, d.Bun, itemID, start, end, excludeBookingID)
}

func findOverlapping(ctx context.Context, idb bun.IDB, itemID string, start, end time.Time, excludeBookingID string) ([]string, error) {
	var ids []string
	q := idb.NewSelect().
		Column("booking_id").
		Table("bookings").
		Where("item_id = ?", itemID).
		Where("status IN (?)", bun.In(occupyingStatuses)).
		// Half-open overlap: touching endpoints do not conflict.
		Where("start_date < ?", end).
		Where("end_date > ?", start)
	if excludeBookingID != "" {
		q = q.Where("booking_id != ?", excludeBookingID)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *DB) HistoryForBooking(ctx context.Context, bookingID string) ([]models.BookingStatusHistory, error) {
	var rows []models.BookingStatusHistory
	err := d.Bun.NewSelect().
		Model(&rows).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ComplianceExport joins history rows with the booking parties for the
// admin compliance view. Read-only.
func (d *DB) ComplianceExport(ctx context.Context, from, to time.Time) ([]models.ComplianceRecord, error) {
	var records []models.ComplianceRecord
	err := d.Bun.NewSelect().
		ColumnExpr("h.booking_id, h.from_status, h.to_status, h.actor, h.reason, h.admin_override").
		ColumnExpr("h.created_at AS occurred_at").
		ColumnExpr("b.reference_code, b.renter_id, b.owner_id").
		TableExpr("booking_status_history AS h").
		Join("JOIN bookings b ON b.booking_id = h.booking_id").
		Where("h.created_at >= ?", from).
		Where("h.created_at < ?", to).
		Order("h.created_at ASC").
		Scan(ctx, &records)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindExpiredPending lists pending, unpaid bookings created before cutoff.
// The scheduler drives each through the state machine; the transition table
// is the authoritative guard, this query is only the candidate filter.
func (d *DB) FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := d.Bun.NewSelect().
		Column("booking_id").
		Table("bookings").
		Where("status = ?", models.StatusPending).
		Where("payment_completed = ?", false).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ActivePolicyTiers returns the highest-version tier set.
func (d *DB) ActivePolicyTiers(ctx context.Context) (int, []models.PolicyTier, error) {
	var version int
	err := d.Bun.NewSelect().
		ColumnExpr("COALESCE(MAX(version), 0)").
		Table("cancellation_policy_tiers").
		Scan(ctx, &version)
	if err != nil {
		return 0, nil, err
	}
	if version == 0 {
		return 0, nil, nil
	}

	var tiers []models.PolicyTier
	err = d.Bun.NewSelect().
		Model(&tiers).
		Where("version = ?", version).
		Order("lower_bound_hours ASC").
		Scan(ctx)
	if err != nil {
		return 0, nil, err
	}
	return version, tiers, nil
}

// ReplacePolicyTiers writes the edited tier set as a new version. Old
// versions stay for audit; only the highest version is active.
func (d *DB) ReplacePolicyTiers(ctx context.Context, tiers []models.PolicyTier) (int, error) {
	var newVersion int
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var current int
		err := tx.NewSelect().
			ColumnExpr("COALESCE(MAX(version), 0)").
			Table("cancellation_policy_tiers").
			Scan(ctx, &current)
		if err != nil {
			return err
		}
		newVersion = current + 1

		now := time.Now().UTC()
		for i := range tiers {
			tiers[i].ID = uuid.NewString()
			tiers[i].Version = newVersion
			tiers[i].CreatedAt = now
		}
		if _, err := tx.NewInsert().Model(&tiers).Exec(ctx); err != nil {
			return fmt.Errorf("insert policy tiers v%d: %w", newVersion, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}
