package models

import "time"

// BookingEvent is published to Kafka after a transition commits.
type BookingEvent struct {
	Type       string        `json:"type"`
	BookingID  string        `json:"booking_id"`
	FromStatus BookingStatus `json:"from_status"`
	ToStatus   BookingStatus `json:"to_status"`
	Actor      string        `json:"actor"`
	Timestamp  time.Time     `json:"timestamp"`
	Booking    *Booking      `json:"booking,omitempty"`
}

// RefundRequestedEvent asks the refund worker to execute a refund for a
// cancelled booking. Delivery failures are retried through Kafka; booking
// state is already committed when this is published.
type RefundRequestedEvent struct {
	BookingID       string    `json:"booking_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	Reason          string    `json:"reason"`
	RequestedAt     time.Time `json:"requested_at"`
}

// NotifyEvent is a fire-and-forget notification request consumed by the
// notification service.
type NotifyEvent struct {
	UserID    string                 `json:"user_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type M2MTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}
