package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/booking/api"
	bookingdb "ms-booking/internal/booking/db"
	"ms-booking/internal/booking/handover"
	"ms-booking/internal/booking/policy"
	"ms-booking/internal/config"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

type StaticPolicyProvider struct{}

func (StaticPolicyProvider) Table(ctx context.Context) (models.PolicyTable, error) {
	return policy.DefaultTable(), nil
}

func (StaticPolicyProvider) Invalidate(ctx context.Context) error { return nil }

func setupRouter(t *testing.T) (*chi.Mux, *booking.Service, *bun.DB) {
	t.Helper()

	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	for _, model := range []interface{}{
		(*models.Booking)(nil),
		(*models.BookingStatusHistory)(nil),
		(*models.PolicyTier)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).Exec(context.Background())
		require.NoError(t, err)
	}

	svc := booking.NewService(
		&bookingdb.DB{Bun: bunDB},
		StaticPolicyProvider{},
		nil,
		nil,
		config.TopicConfig{},
		config.PolicyConfig{PlatformFeeRate: 0.10, DisputeWindow: 72 * time.Hour, CancelReasonMinLen: 10},
		logger.NewNop(),
	)

	h := api.NewHandler(svc, handover.NewGenerator("test-secret"), "admin")
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	h.RegisterAdminRoutes(r)
	return r, svc, bunDB
}

func doRequest(t *testing.T, router http.Handler, method, path, userID string, body interface{}, roles ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles...))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBooking(t *testing.T, rec *httptest.ResponseRecorder) models.BookingResponse {
	t.Helper()
	var envelope struct {
		Success bool                   `json:"success"`
		Data    models.BookingResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func createReq(hoursAhead float64) models.CreateBookingRequest {
	start := time.Now().UTC().Add(time.Duration(hoursAhead * float64(time.Hour)))
	return models.CreateBookingRequest{
		ItemID:          "item-1",
		OwnerID:         "owner-1",
		StartDate:       start,
		EndDate:         start.Add(48 * time.Hour),
		TotalAmount:     1000,
		PaymentIntentID: "pi_test_123",
	}
}

func TestCreateAndGetBooking(t *testing.T) {
	router, _, bunDB := setupRouter(t)
	defer bunDB.Close()

	rec := doRequest(t, router, http.MethodPost, "/api/bookings", "renter-1", createReq(200))
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBooking(t, rec)
	assert.Equal(t, models.StatusPending, created.Booking.Status)
	assert.Equal(t, "renter-1", created.Booking.RenterID)

	rec = doRequest(t, router, http.MethodGet, "/api/bookings/"+created.Booking.BookingID, "renter-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A third party cannot read someone else's booking.
	rec = doRequest(t, router, http.MethodGet, "/api/bookings/"+created.Booking.BookingID, "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/bookings/missing-id", "renter-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBookingConflictResponse(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	req := createReq(200)
	first, err := svc.CreateBooking(context.Background(), "renter-1", req)
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), first.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodPost, "/api/bookings", "renter-2", req)
	require.Equal(t, http.StatusConflict, rec.Code)

	var envelope struct {
		Data map[string][]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Data["conflicts"], first.BookingID)
}

func TestConfirmFlow(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)

	// Only the owner may confirm.
	rec := doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/confirm", created.BookingID), "renter-1", models.ConfirmBookingRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/confirm", created.BookingID), "owner-1", models.ConfirmBookingRequest{Notes: "pickup at 9am"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBooking(t, rec)
	assert.Equal(t, models.StatusConfirmed, resp.Booking.Status)
	assert.NotEmpty(t, resp.HandoverPass)

	// Confirming twice is a transition conflict.
	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/confirm", created.BookingID), "owner-1", models.ConfirmBookingRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelFlow(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)

	// Pending bookings cannot be cancelled, only withdrawn.
	rec := doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/cancel", created.BookingID), "renter-1",
		models.CancelBookingRequest{Reason: "change of travel plans"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err = svc.Confirm(context.Background(), created.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/cancel", created.BookingID), "renter-1",
		models.CancelBookingRequest{Reason: "change of travel plans"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBooking(t, rec)
	assert.Equal(t, models.StatusCancelled, resp.Booking.Status)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, 900.0, resp.Decision.RefundAmount)

	// Reason too short is a validation error.
	other, err := svc.CreateBooking(context.Background(), "renter-1", func() models.CreateBookingRequest {
		r := createReq(300)
		r.ItemID = "item-2"
		return r
	}())
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), other.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/cancel", other.BookingID), "renter-1",
		models.CancelBookingRequest{Reason: "nah"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawFlow(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/withdraw", created.BookingID), "renter-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBooking(t, rec)
	assert.Equal(t, models.StatusCancelled, resp.Booking.Status)
	assert.Nil(t, resp.Booking.RefundAmount)
}

func TestHistoryEndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), created.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, fmt.Sprintf("/api/bookings/%s/history", created.BookingID), "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data []models.BookingStatusHistory `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 2)
	assert.Equal(t, models.StatusPending, envelope.Data[0].ToStatus)
	assert.Equal(t, models.StatusConfirmed, envelope.Data[1].ToStatus)
}

func TestAvailabilityEndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)

	start := created.StartDate.Format(time.RFC3339)
	end := created.EndDate.Format(time.RFC3339)

	rec := doRequest(t, router, http.MethodGet, "/api/bookings/availability?item_id=item-1&start="+start+"&end="+end, "renter-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data struct {
			Available bool     `json:"available"`
			Conflicts []string `json:"conflicts"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.Data.Available)
	assert.Contains(t, envelope.Data.Conflicts, created.BookingID)

	rec = doRequest(t, router, http.MethodGet, "/api/bookings/availability?item_id=item-9&start="+start+"&end="+end, "renter-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.Available)

	rec = doRequest(t, router, http.MethodGet, "/api/bookings/availability?item_id=item-1", "renter-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandoverPassEndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)

	// Pending bookings have no pass yet.
	rec := doRequest(t, router, http.MethodGet, fmt.Sprintf("/api/bookings/%s/pass", created.BookingID), "renter-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = svc.Confirm(context.Background(), created.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodGet, fmt.Sprintf("/api/bookings/%s/pass", created.BookingID), "renter-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes()[:4])
}

func TestAdminCancelEndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(1))
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), created.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/admin/bookings/%s/cancel", created.BookingID), "admin-1",
		models.AdminCancelRequest{Reason: "owner reported the item stolen", ForceFullRefund: true}, "admin")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBooking(t, rec)
	assert.Equal(t, models.StatusCancelled, resp.Booking.Status)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, 1000.0, resp.Decision.RefundAmount)
}

func TestResolveDisputeEndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)
	owner := booking.Actor{ID: "owner-1", Role: models.RoleOwner}
	_, err = svc.Confirm(context.Background(), created.BookingID, owner, "")
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), created.BookingID, owner)
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), created.BookingID, owner)
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/bookings/%s/dispute", created.BookingID), "renter-1",
		models.DisputeRequest{Reason: "item was not as described"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/api/admin/bookings/%s/resolve", created.BookingID), "admin-1",
		models.ResolveDisputeRequest{Outcome: "completed", Reason: "no evidence provided"}, "admin")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBooking(t, rec)
	assert.Equal(t, models.StatusCompleted, resp.Booking.Status)
}

func TestPolicyEndpoints(t *testing.T) {
	router, _, bunDB := setupRouter(t)
	defer bunDB.Close()

	rec := doRequest(t, router, http.MethodGet, "/api/admin/policy", "admin-1", nil, "admin")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data models.PolicyTable `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data.Tiers, 4)

	// A gapped table is rejected before anything is stored.
	upper := 24.0
	rec = doRequest(t, router, http.MethodPut, "/api/admin/policy", "admin-1", models.PolicyUpdateRequest{
		Tiers: []models.PolicyTier{
			{LowerBoundHours: 0, UpperBoundHours: &upper, RefundFraction: 0, FeeFraction: 1, Reason: "no refund"},
			{LowerBoundHours: 48, RefundFraction: 1, FeeFraction: 0, Reason: "full refund"},
		},
	}, "admin")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/api/admin/policy", "admin-1", models.PolicyUpdateRequest{
		Tiers: []models.PolicyTier{
			{LowerBoundHours: 0, UpperBoundHours: &upper, RefundFraction: 0, FeeFraction: 1, Reason: "no refund"},
			{LowerBoundHours: 24, RefundFraction: 1, FeeFraction: 0, Reason: "full refund"},
		},
	}, "admin")
	require.Equal(t, http.StatusOK, rec.Code)

	var versionEnvelope struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versionEnvelope))
	assert.Equal(t, 1, versionEnvelope.Data["version"])
}

func TestComplianceExportEndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	created, err := svc.CreateBooking(context.Background(), "renter-1", createReq(200))
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), created.BookingID, booking.Actor{ID: "owner-1", Role: models.RoleOwner}, "")
	require.NoError(t, err)

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	rec := doRequest(t, router, http.MethodGet, "/api/admin/compliance/export?from="+from+"&to="+to, "admin-1", nil, "admin")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data []models.ComplianceRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 2)
	assert.Equal(t, created.BookingID, envelope.Data[0].BookingID)

	rec = doRequest(t, router, http.MethodGet, "/api/admin/compliance/export?from=bad", "admin-1", nil, "admin")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
