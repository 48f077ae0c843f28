package booking_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-booking/internal/booking"
	bookingdb "ms-booking/internal/booking/db"
	"ms-booking/internal/booking/policy"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

// Lifecycle tests run the service against the real store so the conflict
// check, the transition transaction and the audit trail are exercised
// together rather than through mocks.

func setupLifecycleService(t *testing.T) (*booking.Service, *bookingdb.DB) {
	t.Helper()

	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection keeps concurrent transactions on the same in-memory
	// database.
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	for _, model := range []interface{}{
		(*models.Booking)(nil),
		(*models.BookingStatusHistory)(nil),
		(*models.PolicyTier)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).Exec(context.Background())
		require.NoError(t, err)
	}

	store := &bookingdb.DB{Bun: bunDB}
	svc := booking.NewService(
		store,
		&StubPolicyProvider{table: policy.DefaultTable()},
		nil,
		nil,
		testTopics,
		testPolicyCfg,
		logger.NewNop(),
	)
	return svc, store
}

func insertPending(t *testing.T, store *bookingdb.DB, b *models.Booking) {
	t.Helper()
	err := store.InsertBooking(context.Background(), b, &models.BookingStatusHistory{
		ID:         uuid.NewString(),
		BookingID:  b.BookingID,
		FromStatus: "",
		ToStatus:   models.StatusPending,
		Actor:      b.RenterID,
		ActorRole:  models.RoleRenter,
		Reason:     "booking created",
		CreatedAt:  b.CreatedAt,
	})
	require.NoError(t, err)
}

// Two pending requests for overlapping ranges can both exist (both passed the
// tentative check before either committed), but the in-transaction check must
// ensure at most one of them ever confirms. Here each sees the other, so
// neither does.
func TestConcurrentConfirmsNeverDoubleBook(t *testing.T) {
	svc, store := setupLifecycleService(t)

	first := newTestBooking(models.StatusPending, 200)
	second := newTestBooking(models.StatusPending, 210)
	second.RenterID = "renter-2"
	insertPending(t, store, first)
	insertPending(t, store, second)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{first.BookingID, second.BookingID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = svc.Confirm(context.Background(), id, owner, "")
		}(i, id)
	}
	wg.Wait()

	var ce *booking.ConflictError
	require.ErrorAs(t, errs[0], &ce)
	assert.Contains(t, ce.BookingIDs, second.BookingID)
	require.ErrorAs(t, errs[1], &ce)
	assert.Contains(t, ce.BookingIDs, first.BookingID)

	for _, id := range []string{first.BookingID, second.BookingID} {
		b, err := svc.GetBooking(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, b.Status)

		history, err := svc.History(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	}
}

func TestExpireIdempotent(t *testing.T) {
	svc, store := setupLifecycleService(t)

	b := newTestBooking(models.StatusPending, 200)
	b.PaymentIntentID = ""
	insertPending(t, store, b)

	require.NoError(t, svc.Expire(context.Background(), b.BookingID, "expired after 30m0s grace period"))

	// Redelivery of the same candidate must not write a second row.
	err := svc.Expire(context.Background(), b.BookingID, "expired after 30m0s grace period")
	var ite *booking.InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	expired, err := svc.GetBooking(context.Background(), b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)
	assert.NotNil(t, expired.ExpiredAt)

	history, err := svc.History(context.Background(), b.BookingID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatusExpired, history[1].ToStatus)
}

// A full lifecycle leaves a connected audit chain: each row picks up where
// the previous one ended, and the last row matches the booking's status.
func TestLifecycleAuditChain(t *testing.T) {
	svc, _ := setupLifecycleService(t)

	start := time.Now().UTC().Add(200 * time.Hour)
	created, err := svc.CreateBooking(context.Background(), "renter-1", models.CreateBookingRequest{
		ItemID:          "item-1",
		OwnerID:         "owner-1",
		StartDate:       start,
		EndDate:         start.Add(48 * time.Hour),
		TotalAmount:     500,
		PaymentIntentID: "pi_test_123",
	})
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), created.BookingID, owner, "")
	require.NoError(t, err)

	_, decision, err := svc.Cancel(context.Background(), created.BookingID, renter, "change of travel plans")
	require.NoError(t, err)
	assert.Equal(t, 450.0, decision.RefundAmount)
	assert.Equal(t, 0.0, decision.CancellationFee)
	assert.Equal(t, 50.0, decision.PlatformFee)

	final, err := svc.MarkRefunded(context.Background(), created.BookingID, admin, "re_stripe_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, final.Status)

	history, err := svc.History(context.Background(), created.BookingID)
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, models.BookingStatus(""), history[0].FromStatus)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].ToStatus, history[i].FromStatus)
	}
	assert.Equal(t, final.Status, history[len(history)-1].ToStatus)

	assert.Equal(t, 450.0, *history[2].RefundAmount)
}
