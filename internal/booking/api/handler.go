package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/booking/handover"
	"ms-booking/internal/booking/policy"
	"ms-booking/internal/models"
	"ms-booking/internal/utils"
)

type Handler struct {
	Service   *booking.Service
	Handover  *handover.Generator
	AdminRole string
}

func NewHandler(service *booking.Service, handoverGen *handover.Generator, adminRole string) *Handler {
	return &Handler{
		Service:   service,
		Handover:  handoverGen,
		AdminRole: adminRole,
	}
}

// RegisterRoutes mounts the renter/owner surface. The caller wraps the
// router in the OIDC middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/bookings", func(r chi.Router) {
		r.Post("/", h.CreateBooking)
		r.Get("/availability", h.CheckAvailability)
		r.Route("/{bookingID}", func(r chi.Router) {
			r.Get("/", h.GetBooking)
			r.Get("/history", h.GetHistory)
			r.Get("/pass", h.GetHandoverPass)
			r.Post("/confirm", h.ConfirmBooking)
			r.Post("/cancel", h.CancelBooking)
			r.Post("/withdraw", h.WithdrawBooking)
			r.Post("/start", h.StartBooking)
			r.Post("/complete", h.CompleteBooking)
			r.Post("/dispute", h.DisputeBooking)
		})
	})
}

// RegisterAdminRoutes mounts the admin surface. The caller guards it with
// the admin realm role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/bookings/{bookingID}/cancel", h.AdminCancelBooking)
		r.Post("/bookings/{bookingID}/process-refund", h.ProcessRefund)
		r.Post("/bookings/{bookingID}/resolve", h.ResolveDispute)
		r.Get("/policy", h.GetPolicy)
		r.Put("/policy", h.UpdatePolicy)
		r.Get("/compliance/export", h.ComplianceExport)
	})
}

func (h *Handler) actor(r *http.Request, role string) booking.Actor {
	ctx := r.Context()
	if auth.HasRole(ctx, h.AdminRole) {
		role = models.RoleAdmin
	}
	return booking.Actor{ID: auth.UserID(ctx), Role: role}
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	b, err := h.Service.CreateBooking(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Booking created", models.BookingResponse{Booking: b}))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.GetBooking(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.isParty(r, b) {
		writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "not a party to this booking"))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Booking", models.BookingResponse{Booking: b}))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	b, err := h.Service.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.isParty(r, b) {
		writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "not a party to this booking"))
		return
	}

	history, err := h.Service.History(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Booking history", history))
}

// GetHandoverPass renders the encrypted QR pass for a confirmed booking.
func (h *Handler) GetHandoverPass(w http.ResponseWriter, r *http.Request) {
	if h.Handover == nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Handover passes disabled", ""))
		return
	}

	b, err := h.Service.GetBooking(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.isParty(r, b) {
		writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "not a party to this booking"))
		return
	}
	if b.Status != models.StatusConfirmed && b.Status != models.StatusInProgress {
		writeJSON(w, http.StatusConflict, utils.ErrorResponse("Handover pass unavailable", "booking is not confirmed"))
		return
	}

	png, err := h.Handover.GenerateEncryptedQR(b)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to generate pass", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmBookingRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	b, err := h.Service.Confirm(r.Context(), chi.URLParam(r, "bookingID"), h.actor(r, models.RoleOwner), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := models.BookingResponse{Booking: b}
	if h.Handover != nil {
		if png, err := h.Handover.GenerateEncryptedQR(b); err == nil {
			resp.HandoverPass = base64.StdEncoding.EncodeToString(png)
		}
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Booking confirmed", resp))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req models.CancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	b, decision, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "bookingID"), h.actor(r, models.RoleRenter), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Booking cancelled", models.BookingResponse{Booking: b, Decision: decision}))
}

func (h *Handler) WithdrawBooking(w http.ResponseWriter, r *http.Request) {
	var req models.CancelBookingRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	b, err := h.Service.Withdraw(r.Context(), chi.URLParam(r, "bookingID"), h.actor(r, models.RoleRenter), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Booking withdrawn", models.BookingResponse{Booking: b}))
}

func (h *Handler) StartBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.Start(r.Context(), chi.URLParam(r, "bookingID"), h.actor(r, models.RoleOwner))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Rental started", models.BookingResponse{Booking: b}))
}

func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.Complete(r.Context(), chi.URLParam(r, "bookingID"), h.actor(r, models.RoleOwner))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Rental completed", models.BookingResponse{Booking: b}))
}

func (h *Handler) DisputeBooking(w http.ResponseWriter, r *http.Request) {
	var req models.DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	bookingID := chi.URLParam(r, "bookingID")

	// The audit trail records whether the renter or the owner opened the
	// dispute, so resolve the caller's side first.
	current, err := h.Service.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	role := models.RoleRenter
	if auth.UserID(r.Context()) == current.OwnerID {
		role = models.RoleOwner
	}

	b, err := h.Service.Dispute(r.Context(), bookingID, h.actor(r, role), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Dispute opened", models.BookingResponse{Booking: b}))
}

// CheckAvailability runs the conflict detector without touching state.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("item_id")
	start, err1 := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	end, err2 := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if itemID == "" || err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid query", "item_id, start and end (RFC3339) are required"))
		return
	}

	conflicts, err := h.Service.CheckConflict(r.Context(), itemID, start, end, r.URL.Query().Get("exclude"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Availability", map[string]interface{}{
		"available": len(conflicts) == 0,
		"conflicts": conflicts,
	}))
}

// ---------------- ADMIN ----------------

func (h *Handler) AdminCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req models.AdminCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	actor := booking.Actor{ID: auth.UserID(r.Context()), Role: models.RoleAdmin}
	b, decision, err := h.Service.AdminCancel(r.Context(), chi.URLParam(r, "bookingID"), actor, req.Reason, req.ForceFullRefund)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Booking cancelled by admin", models.BookingResponse{Booking: b, Decision: decision}))
}

func (h *Handler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	var req models.ProcessRefundRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	actor := booking.Actor{ID: auth.UserID(r.Context()), Role: models.RoleAdmin}
	b, err := h.Service.MarkRefunded(r.Context(), chi.URLParam(r, "bookingID"), actor, req.TransactionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Refund recorded", models.BookingResponse{Booking: b}))
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req models.ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	actor := booking.Actor{ID: auth.UserID(r.Context()), Role: models.RoleAdmin}
	b, err := h.Service.ResolveDispute(r.Context(), chi.URLParam(r, "bookingID"), actor, models.BookingStatus(req.Outcome), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Dispute resolved", models.BookingResponse{Booking: b}))
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	table, err := h.Service.Policies.Table(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Active cancellation policy", table))
}

func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req models.PolicyUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	version, err := h.Service.UpdatePolicy(r.Context(), req.Tiers)
	if err != nil {
		var pe *policy.Error
		if errors.As(err, &pe) {
			writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid policy table", pe.Error()))
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Policy updated", map[string]interface{}{"version": version}))
}

func (h *Handler) ComplianceExport(w http.ResponseWriter, r *http.Request) {
	from, err1 := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	to, err2 := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid query", "from and to (RFC3339) are required"))
		return
	}

	records, err := h.Service.ComplianceExport(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Compliance export", records))
}

// ---------------- HELPERS ----------------

func (h *Handler) isParty(r *http.Request, b *models.Booking) bool {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	return userID == b.RenterID || userID == b.OwnerID || auth.HasRole(ctx, h.AdminRole)
}

// writeError maps domain errors to HTTP statuses. Policy failures are
// deliberately a 500: a misconfigured table must never silently pick an
// amount.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		ve *booking.ValidationError
		ae *booking.AuthorizationError
		ce *booking.ConflictError
		te *booking.InvalidTransitionError
		pe *policy.Error
	)

	switch {
	case errors.Is(err, booking.ErrNotFound):
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Booking not found", err.Error()))
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", ve.Error()))
	case errors.As(err, &ae):
		writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", ae.Error()))
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, utils.ErrorResponseWithData(
			"Booking dates conflict", ce.Error(),
			map[string]interface{}{"conflicts": ce.BookingIDs}))
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, utils.ErrorResponse("Invalid transition", te.Error()))
	case errors.As(err, &pe):
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Cancellation policy misconfigured", pe.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
