// pkg/messaging/publisher.go
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

var ErrNotConnected = errors.New("no connection to rabbitmq")

// Event is the envelope for every domain event leaving this service.
type Event struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	AggregateID string      `json:"aggregate_id"`
	OccurredAt  time.Time   `json:"occurred_at"`
	Payload     interface{} `json:"payload"`
}

type Publisher struct {
	client  *RabbitMQClient
	service string
}

func NewPublisher(client *RabbitMQClient, service string) *Publisher {
	return &Publisher{client: client, service: service}
}

// Publish sends event to the exchange with routing key "<service>.<type>".
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event serialization error: %w", err)
	}

	routingKey := fmt.Sprintf("%s.%s", p.service, event.Type)
	err = p.client.Channel().Publish(
		p.client.config.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Headers: amqp.Table{
				"aggregate_id": event.AggregateID,
				"event_type":   event.Type,
				"service":      p.service,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("event publish error: %w", err)
	}
	return nil
}
