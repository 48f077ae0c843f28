package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-booking/internal/booking/db"
	"ms-booking/internal/models"
)

func setupTestDB(t *testing.T) (*db.DB, *bun.DB) {
	// Connect to an in-memory SQLite DB for testing
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	for _, model := range []interface{}{
		(*models.Booking)(nil),
		(*models.BookingStatusHistory)(nil),
		(*models.PolicyTier)(nil),
	} {
		if _, err := bunDB.NewCreateTable().Model(model).Exec(context.Background()); err != nil {
			t.Fatalf("Failed to create table: %v", err)
		}
	}

	return &db.DB{Bun: bunDB}, bunDB
}

func seedBooking(t *testing.T, bunDB *bun.DB, status models.BookingStatus, itemID string, start, end time.Time) *models.Booking {
	t.Helper()
	now := time.Now().UTC()
	b := &models.Booking{
		BookingID:     uuid.New().String(),
		ReferenceCode: "BK-1700000000-000001",
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		ItemID:        itemID,
		StartDate:     start,
		EndDate:       end,
		Status:        status,
		TotalAmount:   500,
		Currency:      "USD",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := bunDB.NewInsert().Model(b).Exec(context.Background())
	assert.NoError(t, err)
	return b
}

func TestInsertBookingWritesInitialHistory(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	now := time.Now().UTC()
	b := &models.Booking{
		BookingID:     uuid.New().String(),
		ReferenceCode: "BK-1700000000-000002",
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		ItemID:        "item-1",
		StartDate:     now.Add(48 * time.Hour),
		EndDate:       now.Add(96 * time.Hour),
		Status:        models.StatusPending,
		TotalAmount:   500,
		Currency:      "USD",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	initial := &models.BookingStatusHistory{
		ID:        uuid.New().String(),
		BookingID: b.BookingID,
		ToStatus:  models.StatusPending,
		Actor:     "renter-1",
		ActorRole: models.RoleRenter,
		Reason:    "booking created",
		CreatedAt: now,
	}

	err := bookingDB.InsertBooking(context.Background(), b, initial)
	assert.NoError(t, err)

	stored, err := bookingDB.GetBookingByID(context.Background(), b.BookingID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	history, err := bookingDB.HistoryForBooking(context.Background(), b.BookingID)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, models.StatusPending, history[0].ToStatus)
}

func TestGetBookingByIDNotFound(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	b, err := bookingDB.GetBookingByID(context.Background(), "non-existent")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.Nil(t, b)
}

func TestTransitionTxPersistsBookingAndHistory(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	now := time.Now().UTC()
	b := seedBooking(t, bunDB, models.StatusPending, "item-1", now.Add(48*time.Hour), now.Add(96*time.Hour))

	updated, err := bookingDB.TransitionTx(context.Background(), b.BookingID, func(ctx context.Context, row *models.Booking, q db.ConflictQuery) (*models.BookingStatusHistory, error) {
		confirmedAt := time.Now().UTC()
		row.Status = models.StatusConfirmed
		row.ConfirmedAt = &confirmedAt
		return &models.BookingStatusHistory{
			BookingID:  row.BookingID,
			FromStatus: models.StatusPending,
			ToStatus:   models.StatusConfirmed,
			Actor:      "owner-1",
			ActorRole:  models.RoleOwner,
			Reason:     "booking confirmed by owner",
		}, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, updated.Status)

	stored, err := bookingDB.GetBookingByID(context.Background(), b.BookingID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	assert.NotNil(t, stored.ConfirmedAt)

	history, err := bookingDB.HistoryForBooking(context.Background(), b.BookingID)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	// The store fills in the entry ID and timestamp when the caller doesn't.
	assert.NotEmpty(t, history[0].ID)
	assert.False(t, history[0].CreatedAt.IsZero())
}

func TestTransitionTxRollsBackOnApplyError(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	now := time.Now().UTC()
	b := seedBooking(t, bunDB, models.StatusPending, "item-1", now.Add(48*time.Hour), now.Add(96*time.Hour))

	applyErr := errors.New("conflict detected")
	_, err := bookingDB.TransitionTx(context.Background(), b.BookingID, func(ctx context.Context, row *models.Booking, q db.ConflictQuery) (*models.BookingStatusHistory, error) {
		row.Status = models.StatusConfirmed
		return nil, applyErr
	})

	assert.ErrorIs(t, err, applyErr)

	stored, err := bookingDB.GetBookingByID(context.Background(), b.BookingID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	history, err := bookingDB.HistoryForBooking(context.Background(), b.BookingID)
	assert.NoError(t, err)
	assert.Empty(t, history)
}

func TestTransitionTxMissingBooking(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	_, err := bookingDB.TransitionTx(context.Background(), "non-existent", func(ctx context.Context, row *models.Booking, q db.ConflictQuery) (*models.BookingStatusHistory, error) {
		t.Fatal("apply must not run for a missing booking")
		return nil, nil
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestFindOverlapping(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	existing := seedBooking(t, bunDB, models.StatusConfirmed, "item-1", base, base.Add(48*time.Hour))

	t.Run("overlapping range conflicts", func(t *testing.T) {
		ids, err := bookingDB.FindOverlapping(context.Background(), "item-1", base.Add(24*time.Hour), base.Add(72*time.Hour), "")
		assert.NoError(t, err)
		assert.Equal(t, []string{existing.BookingID}, ids)
	})

	t.Run("contained range conflicts", func(t *testing.T) {
		ids, err := bookingDB.FindOverlapping(context.Background(), "item-1", base.Add(12*time.Hour), base.Add(24*time.Hour), "")
		assert.NoError(t, err)
		assert.Len(t, ids, 1)
	})

	t.Run("touching endpoints do not conflict", func(t *testing.T) {
		// New range starts exactly when the existing one ends.
		ids, err := bookingDB.FindOverlapping(context.Background(), "item-1", base.Add(48*time.Hour), base.Add(96*time.Hour), "")
		assert.NoError(t, err)
		assert.Empty(t, ids)

		// New range ends exactly when the existing one starts.
		ids, err = bookingDB.FindOverlapping(context.Background(), "item-1", base.Add(-24*time.Hour), base, "")
		assert.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("different item does not conflict", func(t *testing.T) {
		ids, err := bookingDB.FindOverlapping(context.Background(), "item-2", base, base.Add(48*time.Hour), "")
		assert.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("excluded booking is ignored", func(t *testing.T) {
		ids, err := bookingDB.FindOverlapping(context.Background(), "item-1", base, base.Add(48*time.Hour), existing.BookingID)
		assert.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestFindOverlappingIgnoresNonOccupyingStatuses(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	for _, status := range []models.BookingStatus{
		models.StatusCancelled,
		models.StatusExpired,
		models.StatusRefunded,
		models.StatusCompleted,
		models.StatusDisputed,
	} {
		seedBooking(t, bunDB, status, "item-1", base, base.Add(48*time.Hour))
	}

	ids, err := bookingDB.FindOverlapping(context.Background(), "item-1", base, base.Add(48*time.Hour), "")
	assert.NoError(t, err)
	assert.Empty(t, ids)

	occupying := seedBooking(t, bunDB, models.StatusInProgress, "item-1", base, base.Add(48*time.Hour))
	ids, err = bookingDB.FindOverlapping(context.Background(), "item-1", base, base.Add(48*time.Hour), "")
	assert.NoError(t, err)
	assert.Equal(t, []string{occupying.BookingID}, ids)
}

func TestFindExpiredPending(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	now := time.Now().UTC()
	base := now.Add(200 * time.Hour)

	stale := seedBooking(t, bunDB, models.StatusPending, "item-1", base, base.Add(24*time.Hour))
	_, err := bunDB.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("created_at = ?", now.Add(-2*time.Hour)).
		Where("booking_id = ?", stale.BookingID).
		Exec(context.Background())
	assert.NoError(t, err)

	// Fresh pending booking inside the grace period.
	seedBooking(t, bunDB, models.StatusPending, "item-2", base, base.Add(24*time.Hour))

	// Stale but paid: never swept.
	paid := seedBooking(t, bunDB, models.StatusPending, "item-3", base, base.Add(24*time.Hour))
	_, err = bunDB.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("created_at = ?", now.Add(-2*time.Hour)).
		Set("payment_completed = ?", true).
		Where("booking_id = ?", paid.BookingID).
		Exec(context.Background())
	assert.NoError(t, err)

	// Stale but already confirmed.
	confirmed := seedBooking(t, bunDB, models.StatusConfirmed, "item-4", base, base.Add(24*time.Hour))
	_, err = bunDB.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("created_at = ?", now.Add(-2*time.Hour)).
		Where("booking_id = ?", confirmed.BookingID).
		Exec(context.Background())
	assert.NoError(t, err)

	ids, err := bookingDB.FindExpiredPending(context.Background(), now.Add(-30*time.Minute), 100)
	assert.NoError(t, err)
	assert.Equal(t, []string{stale.BookingID}, ids)
}

func TestComplianceExport(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	now := time.Now().UTC()
	b := seedBooking(t, bunDB, models.StatusConfirmed, "item-1", now.Add(48*time.Hour), now.Add(96*time.Hour))

	entries := []models.BookingStatusHistory{
		{
			ID:        uuid.New().String(),
			BookingID: b.BookingID,
			ToStatus:  models.StatusPending,
			Actor:     "renter-1",
			ActorRole: models.RoleRenter,
			Reason:    "booking created",
			CreatedAt: now.Add(-2 * time.Hour),
		},
		{
			ID:            uuid.New().String(),
			BookingID:     b.BookingID,
			FromStatus:    models.StatusPending,
			ToStatus:      models.StatusConfirmed,
			Actor:         "admin-1",
			ActorRole:     models.RoleAdmin,
			Reason:        "manual confirmation",
			AdminOverride: true,
			CreatedAt:     now.Add(-1 * time.Hour),
		},
	}
	_, err := bunDB.NewInsert().Model(&entries).Exec(context.Background())
	assert.NoError(t, err)

	records, err := bookingDB.ComplianceExport(context.Background(), now.Add(-24*time.Hour), now)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, b.BookingID, records[0].BookingID)
	assert.Equal(t, "renter-1", records[0].RenterID)
	assert.Equal(t, "owner-1", records[0].OwnerID)
	assert.True(t, records[1].AdminOverride)

	// Window excludes older entries.
	records, err = bookingDB.ComplianceExport(context.Background(), now.Add(-90*time.Minute), now)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "admin-1", records[0].Actor)
}

func TestPolicyTierVersioning(t *testing.T) {
	bookingDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	version, tiers, err := bookingDB.ActivePolicyTiers(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Empty(t, tiers)

	upper := func(h float64) *float64 { return &h }
	first := []models.PolicyTier{
		{LowerBoundHours: 0, UpperBoundHours: upper(24), RefundFraction: 0, FeeFraction: 1, Reason: "no refund"},
		{LowerBoundHours: 24, RefundFraction: 1, FeeFraction: 0, Reason: "full refund"},
	}
	version, err = bookingDB.ReplacePolicyTiers(context.Background(), first)
	assert.NoError(t, err)
	assert.Equal(t, 1, version)

	second := []models.PolicyTier{
		{LowerBoundHours: 0, UpperBoundHours: upper(48), RefundFraction: 0, FeeFraction: 1, Reason: "no refund"},
		{LowerBoundHours: 48, RefundFraction: 1, FeeFraction: 0, Reason: "full refund"},
	}
	version, err = bookingDB.ReplacePolicyTiers(context.Background(), second)
	assert.NoError(t, err)
	assert.Equal(t, 2, version)

	activeVersion, active, err := bookingDB.ActivePolicyTiers(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, activeVersion)
	assert.Len(t, active, 2)
	assert.Equal(t, 48.0, *active[0].UpperBoundHours)
	// Tiers come back sorted by lower bound.
	assert.Equal(t, 0.0, active[0].LowerBoundHours)
	assert.Equal(t, 48.0, active[1].LowerBoundHours)
}
