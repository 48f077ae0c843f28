package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ms-booking/internal/booking/db"
	"ms-booking/internal/booking/policy"
	"ms-booking/internal/config"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/utils"
)

// Actor is the identity attributed to a transition in the audit trail.
type Actor struct {
	ID   string
	Role string
}

var SystemActor = Actor{ID: models.ActorSystem, Role: models.RoleSystem}

func (a Actor) isAdmin() bool  { return a.Role == models.RoleAdmin }
func (a Actor) isSystem() bool { return a.Role == models.RoleSystem }

// PolicyProvider hands out the active policy table. Read-only at request
// time; invalidated explicitly on admin edit.
type PolicyProvider interface {
	Table(ctx context.Context) (models.PolicyTable, error)
	Invalidate(ctx context.Context) error
}

type KafkaPublisher interface {
	Publish(topic string, key string, value []byte) error
}

type Notifier interface {
	Notify(userID, eventType string, payload map[string]interface{})
}

// Service is the booking state machine: the only component allowed to
// mutate booking status. Every transition runs as one atomic unit through
// db.Store.TransitionTx; Kafka and notifications fire after commit and
// never roll state back.
type Service struct {
	DB       db.Store
	Policies PolicyProvider
	Kafka    KafkaPublisher
	Notify   Notifier
	Topics   config.TopicConfig
	Cfg      config.PolicyConfig
	Logger   *logger.Logger

	// Directory is optional; when set, compliance exports carry party
	// emails resolved through the user registry.
	Directory UserDirectory
}

func NewService(store db.Store, policies PolicyProvider, kafka KafkaPublisher, notify Notifier, topics config.TopicConfig, cfg config.PolicyConfig, log *logger.Logger) *Service {
	return &Service{
		DB:       store,
		Policies: policies,
		Kafka:    kafka,
		Notify:   notify,
		Topics:   topics,
		Cfg:      cfg,
		Logger:   log,
	}
}

// legalTransitions is the authoritative transition table. Everything not
// listed here is rejected with InvalidTransitionError.
var legalTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.StatusPending:    {models.StatusConfirmed, models.StatusExpired, models.StatusCancelled},
	models.StatusConfirmed:  {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
	models.StatusCompleted:  {models.StatusDisputed},
	models.StatusCancelled:  {models.StatusRefunded},
	models.StatusDisputed:   {models.StatusRefunded, models.StatusCompleted},
}

func transitionAllowed(from, to models.BookingStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type transitionRequest struct {
	bookingID string
	to        models.BookingStatus
	actor     Actor
	reason    string
	notes     string

	// requireFrom, when set, maps a mismatched source state to a
	// status-specific error instead of the generic transition error.
	requireFrom models.BookingStatus

	adminOverride   bool
	forceFullRefund bool
}

// ---------------- OPERATIONS ----------------

// CreateBooking creates a pending booking after a tentative conflict check.
// The authoritative check happens again at confirmation, inside the
// transaction.
func (s *Service) CreateBooking(ctx context.Context, renterID string, req models.CreateBookingRequest) (*models.Booking, error) {
	if !req.EndDate.After(req.StartDate) {
		return nil, &ValidationError{Msg: "end date must be after start date"}
	}
	if req.TotalAmount < 0 || req.SecurityDeposit < 0 {
		return nil, &ValidationError{Msg: "monetary amounts must be non-negative"}
	}
	if req.ItemID == "" || req.OwnerID == "" {
		return nil, &ValidationError{Msg: "item_id and owner_id are required"}
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	conflicts, err := s.DB.FindOverlapping(ctx, req.ItemID, req.StartDate, req.EndDate, "")
	if err != nil {
		return nil, fmt.Errorf("conflict check failed: %w", err)
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{BookingIDs: conflicts}
	}

	now := time.Now().UTC()
	booking := &models.Booking{
		BookingID:       uuid.NewString(),
		ReferenceCode:   utils.GenerateReferenceCode(),
		RenterID:        renterID,
		OwnerID:         req.OwnerID,
		ItemID:          req.ItemID,
		StartDate:       req.StartDate.UTC(),
		EndDate:         req.EndDate.UTC(),
		Status:          models.StatusPending,
		TotalAmount:     req.TotalAmount,
		Currency:        currency,
		SecurityDeposit: req.SecurityDeposit,
		PaymentIntentID: req.PaymentIntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	initial := &models.BookingStatusHistory{
		ID:        uuid.NewString(),
		BookingID: booking.BookingID,
		ToStatus:  models.StatusPending,
		Actor:     renterID,
		ActorRole: models.RoleRenter,
		Reason:    "booking created",
		CreatedAt: now,
	}

	if err := s.DB.InsertBooking(ctx, booking, initial); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	s.publishEvent(s.Topics.BookingCreated, booking, "", models.StatusPending, renterID)
	s.notifyParties(booking, "booking_created")
	return booking, nil
}

// Confirm moves pending -> confirmed after the in-transaction conflict
// check. Owner or system only.
func (s *Service) Confirm(ctx context.Context, bookingID string, actor Actor, notes string) (*models.Booking, error) {
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID: bookingID,
		to:        models.StatusConfirmed,
		actor:     actor,
		reason:    "booking confirmed by owner",
		notes:     notes,
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(s.Topics.BookingConfirmed, b, models.StatusPending, models.StatusConfirmed, actor.ID)
	s.notifyParties(b, "booking_confirmed")
	return b, nil
}

// Cancel evaluates the cancellation policy for a confirmed booking. Pending
// bookings never occupied the calendar and are rejected with a distinct
// error; in-progress and completed bookings are not cancellable.
func (s *Service) Cancel(ctx context.Context, bookingID string, actor Actor, reason string) (*models.Booking, *models.CancellationDecision, error) {
	if err := s.validateReason(reason); err != nil {
		return nil, nil, err
	}
	b, decision, err := s.transition(ctx, transitionRequest{
		bookingID:   bookingID,
		to:          models.StatusCancelled,
		actor:       actor,
		reason:      reason,
		requireFrom: models.StatusConfirmed,
	})
	if err != nil {
		return nil, nil, err
	}
	s.afterCancellation(b, decision, actor.ID)
	return b, decision, nil
}

// AdminCancel bypasses the owner workflow. Same policy engine, plus an
// admin_override audit flag and an optional forced full refund.
func (s *Service) AdminCancel(ctx context.Context, bookingID string, actor Actor, reason string, forceFullRefund bool) (*models.Booking, *models.CancellationDecision, error) {
	if !actor.isAdmin() {
		return nil, nil, &AuthorizationError{Actor: actor.ID, Action: "admin-cancel bookings"}
	}
	if err := s.validateReason(reason); err != nil {
		return nil, nil, err
	}
	b, decision, err := s.transition(ctx, transitionRequest{
		bookingID:       bookingID,
		to:              models.StatusCancelled,
		actor:           actor,
		reason:          reason,
		requireFrom:     models.StatusConfirmed,
		adminOverride:   true,
		forceFullRefund: forceFullRefund,
	})
	if err != nil {
		return nil, nil, err
	}
	s.afterCancellation(b, decision, actor.ID)
	return b, decision, nil
}

// Withdraw cancels a pending booking before confirmation. Nothing was
// charged, so there is no refund math.
func (s *Service) Withdraw(ctx context.Context, bookingID string, actor Actor, reason string) (*models.Booking, error) {
	if reason == "" {
		reason = "booking withdrawn before confirmation"
	}
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID:   bookingID,
		to:          models.StatusCancelled,
		actor:       actor,
		reason:      reason,
		requireFrom: models.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(s.Topics.BookingCancelled, b, models.StatusPending, models.StatusCancelled, actor.ID)
	s.notifyParties(b, "booking_withdrawn")
	return b, nil
}

// Start records the handover: confirmed -> in_progress.
func (s *Service) Start(ctx context.Context, bookingID string, actor Actor) (*models.Booking, error) {
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID: bookingID,
		to:        models.StatusInProgress,
		actor:     actor,
		reason:    "handover recorded",
	})
	return b, err
}

func (s *Service) Complete(ctx context.Context, bookingID string, actor Actor) (*models.Booking, error) {
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID: bookingID,
		to:        models.StatusCompleted,
		actor:     actor,
		reason:    "rental completed",
	})
	return b, err
}

// Dispute opens the completed -> disputed side-branch, allowed only within
// the dispute window after completion.
func (s *Service) Dispute(ctx context.Context, bookingID string, actor Actor, reason string) (*models.Booking, error) {
	if err := s.validateReason(reason); err != nil {
		return nil, err
	}
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID: bookingID,
		to:        models.StatusDisputed,
		actor:     actor,
		reason:    reason,
	})
	return b, err
}

// ResolveDispute closes a dispute as refunded or completed. Admin only.
func (s *Service) ResolveDispute(ctx context.Context, bookingID string, actor Actor, outcome models.BookingStatus, reason string) (*models.Booking, error) {
	if !actor.isAdmin() {
		return nil, &AuthorizationError{Actor: actor.ID, Action: "resolve disputes"}
	}
	if outcome != models.StatusRefunded && outcome != models.StatusCompleted {
		return nil, &ValidationError{Msg: "dispute outcome must be refunded or completed"}
	}
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID:     bookingID,
		to:            outcome,
		actor:         actor,
		reason:        reason,
		adminOverride: true,
	})
	if err != nil {
		return nil, err
	}
	if outcome == models.StatusRefunded {
		s.publishEvent(s.Topics.BookingRefunded, b, models.StatusDisputed, outcome, actor.ID)
	}
	return b, nil
}

// MarkRefunded records that the payment collaborator confirmed the refund
// was executed: cancelled -> refunded.
func (s *Service) MarkRefunded(ctx context.Context, bookingID string, actor Actor, transactionID string) (*models.Booking, error) {
	reason := "refund executed"
	if transactionID != "" {
		reason = fmt.Sprintf("refund executed (transaction %s)", transactionID)
	}
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID:   bookingID,
		to:          models.StatusRefunded,
		actor:       actor,
		reason:      reason,
		requireFrom: models.StatusCancelled,
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(s.Topics.BookingRefunded, b, models.StatusCancelled, models.StatusRefunded, actor.ID)
	s.notifyParties(b, "booking_refunded")
	return b, nil
}

// Expire is the scheduler's entry point: pending -> expired, actor system.
// Idempotency comes from the transition table, not caller-side filtering.
func (s *Service) Expire(ctx context.Context, bookingID, reason string) error {
	b, _, err := s.transition(ctx, transitionRequest{
		bookingID: bookingID,
		to:        models.StatusExpired,
		actor:     SystemActor,
		reason:    reason,
	})
	if err != nil {
		return err
	}
	s.publishEvent(s.Topics.BookingExpired, b, models.StatusPending, models.StatusExpired, models.ActorSystem)
	s.notifyParties(b, "booking_expired")
	return nil
}

func (s *Service) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := s.DB.GetBookingByID(ctx, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *Service) History(ctx context.Context, bookingID string) ([]models.BookingStatusHistory, error) {
	return s.DB.HistoryForBooking(ctx, bookingID)
}

// CheckConflict exposes the conflict detector for availability queries.
func (s *Service) CheckConflict(ctx context.Context, itemID string, start, end time.Time, excludeBookingID string) ([]string, error) {
	return s.DB.FindOverlapping(ctx, itemID, start, end, excludeBookingID)
}

// UpdatePolicy validates and commits an edited tier set as a new version,
// then invalidates the process-wide cache.
func (s *Service) UpdatePolicy(ctx context.Context, tiers []models.PolicyTier) (int, error) {
	table := models.PolicyTable{PlatformFeeRate: s.Cfg.PlatformFeeRate, Tiers: tiers}
	if err := policy.ValidateTable(table); err != nil {
		return 0, err
	}
	version, err := s.DB.ReplacePolicyTiers(ctx, tiers)
	if err != nil {
		return 0, fmt.Errorf("failed to store policy tiers: %w", err)
	}
	if err := s.Policies.Invalidate(ctx); err != nil {
		s.Logger.Warn("POLICY", fmt.Sprintf("Failed to invalidate policy cache: %v", err))
	}
	s.Logger.Info("POLICY", fmt.Sprintf("Policy table updated to version %d", version))
	return version, nil
}

// ---------------- TRANSITION CORE ----------------

func (s *Service) transition(ctx context.Context, req transitionRequest) (*models.Booking, *models.CancellationDecision, error) {
	// The policy table is read outside the transaction: it is read-only at
	// request time and must not add I/O inside the atomic unit.
	var table models.PolicyTable
	if req.to == models.StatusCancelled && req.requireFrom == models.StatusConfirmed && !req.forceFullRefund {
		t, err := s.Policies.Table(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load policy table: %w", err)
		}
		table = t
	}

	var decision *models.CancellationDecision
	var fromStatus models.BookingStatus

	updated, err := s.DB.TransitionTx(ctx, req.bookingID, func(ctx context.Context, b *models.Booking, q db.ConflictQuery) (*models.BookingStatusHistory, error) {
		from := b.Status
		fromStatus = from
		now := time.Now().UTC()

		if req.requireFrom != "" && from != req.requireFrom {
			if req.to == models.StatusCancelled {
				switch from {
				case models.StatusPending:
					return nil, ErrPendingNotCancellable
				case models.StatusInProgress, models.StatusCompleted:
					return nil, ErrNotCancellable
				}
			}
			return nil, &InvalidTransitionError{From: from, To: req.to}
		}
		if !transitionAllowed(from, req.to) {
			return nil, &InvalidTransitionError{From: from, To: req.to}
		}
		if err := authorize(req.actor, b, from, req.to); err != nil {
			return nil, err
		}

		switch req.to {
		case models.StatusConfirmed:
			conflicts, err := q.FindOverlapping(ctx, b.ItemID, b.StartDate, b.EndDate, b.BookingID)
			if err != nil {
				return nil, fmt.Errorf("conflict check failed: %w", err)
			}
			if len(conflicts) > 0 {
				return nil, &ConflictError{BookingIDs: conflicts}
			}
			b.ConfirmedAt = &now
			if req.notes != "" {
				b.ConfirmationNotes = req.notes
			}

		case models.StatusCancelled:
			b.CancelledAt = &now
			if from == models.StatusConfirmed {
				d, err := s.evaluateCancellation(b, now, table, req.forceFullRefund)
				if err != nil {
					return nil, err
				}
				decision = d
				b.RefundAmount = &d.RefundAmount
				b.CancellationFee = &d.CancellationFee
				// A forced full refund waives the platform cut for this
				// cancellation but must not rewrite what was already charged.
				if !req.forceFullRefund {
					b.PlatformFee = d.PlatformFee
				}
			}

		case models.StatusInProgress:
			b.StartedAt = &now

		case models.StatusCompleted:
			if b.CompletedAt == nil {
				b.CompletedAt = &now
			}

		case models.StatusDisputed:
			if b.CompletedAt == nil || now.Sub(*b.CompletedAt) > s.Cfg.DisputeWindow {
				return nil, &ValidationError{Msg: "dispute window has closed"}
			}

		case models.StatusExpired:
			if b.PaymentCompleted {
				return nil, &ValidationError{Msg: "paid bookings do not expire"}
			}
			b.ExpiredAt = &now
		}

		b.Status = req.to

		entry := &models.BookingStatusHistory{
			ID:            uuid.NewString(),
			BookingID:     b.BookingID,
			FromStatus:    from,
			ToStatus:      req.to,
			Actor:         req.actor.ID,
			ActorRole:     req.actor.Role,
			Reason:        req.reason,
			AdminOverride: req.adminOverride,
			CreatedAt:     now,
		}
		if decision != nil {
			entry.RefundAmount = &decision.RefundAmount
			entry.CancellationFee = &decision.CancellationFee
		}
		return entry, nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		var pe *policy.Error
		if errors.As(err, &pe) {
			// Misconfigured policy is a configuration bug: fail closed, loud.
			s.Logger.Error("POLICY", fmt.Sprintf("Policy evaluation failed for booking %s: %v", req.bookingID, pe))
		}
		return nil, nil, err
	}

	s.Logger.LogTransition(updated.BookingID, string(fromStatus), string(req.to), req.actor.ID)
	return updated, decision, nil
}

func (s *Service) evaluateCancellation(b *models.Booking, now time.Time, table models.PolicyTable, forceFullRefund bool) (*models.CancellationDecision, error) {
	if forceFullRefund {
		return &models.CancellationDecision{
			RefundAmount:    b.TotalAmount,
			CancellationFee: 0,
			PlatformFee:     0,
			Reason:          "admin forced full refund",
		}, nil
	}
	return policy.Evaluate(b.TotalAmount, b.StartDate, now, table)
}

func authorize(a Actor, b *models.Booking, from, to models.BookingStatus) error {
	switch to {
	case models.StatusExpired:
		if !a.isSystem() {
			return &AuthorizationError{Actor: a.ID, Action: "expire bookings"}
		}
		return nil
	case models.StatusRefunded, models.StatusCompleted:
		if from == models.StatusDisputed {
			if !a.isAdmin() {
				return &AuthorizationError{Actor: a.ID, Action: "resolve disputes"}
			}
			return nil
		}
	}

	if a.isAdmin() || a.isSystem() {
		return nil
	}

	switch to {
	case models.StatusConfirmed:
		if a.ID != b.OwnerID {
			return &AuthorizationError{Actor: a.ID, Action: "confirm this booking"}
		}
	case models.StatusCancelled:
		if a.ID != b.RenterID {
			return &AuthorizationError{Actor: a.ID, Action: "cancel this booking"}
		}
	case models.StatusInProgress, models.StatusCompleted:
		if a.ID != b.OwnerID {
			return &AuthorizationError{Actor: a.ID, Action: "record handover for this booking"}
		}
	case models.StatusDisputed:
		if a.ID != b.RenterID && a.ID != b.OwnerID {
			return &AuthorizationError{Actor: a.ID, Action: "dispute this booking"}
		}
	case models.StatusRefunded:
		return &AuthorizationError{Actor: a.ID, Action: "process refunds"}
	}
	return nil
}

func (s *Service) validateReason(reason string) error {
	if len(strings.TrimSpace(reason)) < s.Cfg.CancelReasonMinLen {
		return &ValidationError{Msg: fmt.Sprintf("reason must be at least %d characters", s.Cfg.CancelReasonMinLen)}
	}
	return nil
}

// ---------------- POST-COMMIT SIDE EFFECTS ----------------

// afterCancellation publishes the cancellation event and, when a refund is
// due, the refund-requested event for the refund worker. The booking is
// already durably cancelled; a failed publish is logged and retried by the
// operational side, never rolled back.
func (s *Service) afterCancellation(b *models.Booking, decision *models.CancellationDecision, actorID string) {
	s.publishEvent(s.Topics.BookingCancelled, b, models.StatusConfirmed, models.StatusCancelled, actorID)
	s.notifyParties(b, "booking_cancelled")

	if decision == nil || decision.RefundAmount <= 0 {
		return
	}
	if b.PaymentIntentID == "" {
		s.Logger.Warn("REFUND", fmt.Sprintf("Booking %s has a refund due but no payment intent on record", b.BookingID))
		return
	}
	event := models.RefundRequestedEvent{
		BookingID:       b.BookingID,
		PaymentIntentID: b.PaymentIntentID,
		Amount:          decision.RefundAmount,
		Currency:        b.Currency,
		Reason:          decision.Reason,
		RequestedAt:     time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.Logger.Error("REFUND", fmt.Sprintf("Failed to marshal refund request for %s: %v", b.BookingID, err))
		return
	}
	if s.Kafka == nil {
		return
	}
	if err := s.Kafka.Publish(s.Topics.RefundRequested, b.BookingID, value); err != nil {
		s.Logger.Error("REFUND", fmt.Sprintf("Failed to publish refund request for %s: %v", b.BookingID, err))
	}
}

func (s *Service) publishEvent(topic string, b *models.Booking, from, to models.BookingStatus, actorID string) {
	if s.Kafka == nil {
		return
	}
	event := models.BookingEvent{
		Type:       topic,
		BookingID:  b.BookingID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actorID,
		Timestamp:  time.Now().UTC(),
		Booking:    b,
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to marshal booking event: %v", err))
		return
	}
	if err := s.Kafka.Publish(topic, b.BookingID, value); err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish to %s: %v", topic, err))
	}
}

func (s *Service) notifyParties(b *models.Booking, eventType string) {
	if s.Notify == nil {
		return
	}
	payload := map[string]interface{}{
		"booking_id":     b.BookingID,
		"reference_code": b.ReferenceCode,
		"status":         string(b.Status),
	}
	s.Notify.Notify(b.RenterID, eventType, payload)
	s.Notify.Notify(b.OwnerID, eventType, payload)
}
