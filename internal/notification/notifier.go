package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

type Publisher interface {
	Publish(topic string, key string, value []byte) error
}

// Notifier publishes fire-and-forget notification requests for the
// notification service to deliver. A failed publish is logged and dropped;
// notifications never influence booking state.
type Notifier struct {
	Kafka  Publisher
	Topic  string
	Logger *logger.Logger
}

func NewNotifier(kafka Publisher, topic string, log *logger.Logger) *Notifier {
	return &Notifier{Kafka: kafka, Topic: topic, Logger: log}
}

func (n *Notifier) Notify(userID, eventType string, payload map[string]interface{}) {
	event := models.NotifyEvent{
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		n.Logger.Error("NOTIFY", fmt.Sprintf("Failed to marshal notification: %v", err))
		return
	}
	if err := n.Kafka.Publish(n.Topic, userID, value); err != nil {
		n.Logger.Warn("NOTIFY", fmt.Sprintf("Failed to publish %s for user %s: %v", eventType, userID, err))
	}
}
