package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"telehealth_core/internal/domain"
)

// Message is the wire body of an integration event on both transports.
type Message struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func NewMessage(event *domain.OutboxEvent) Message {
	return Message{
		ID:        event.ID.String(),
		EventType: event.EventType,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// RoutingKey maps an event type such as MESSAGE_CREATED to "telehealth.message_created".
func RoutingKey(eventType string) string {
	return "telehealth." + strings.ToLower(eventType)
}

// RabbitMQClient publishes integration events to a durable topic exchange with
// publisher confirms.
type RabbitMQClient struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func NewRabbitMQClient(url, exchange string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &RabbitMQClient{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

// PublishEvent publishes event and waits for the broker to confirm it.
func (c *RabbitMQClient) PublishEvent(ctx context.Context, event *domain.OutboxEvent) error {
	body, err := json.Marshal(NewMessage(event))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.Lock()
	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx,
		c.exchange,                  // exchange
		RoutingKey(event.EventType), // routing key
		false,                       // mandatory
		false,                       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID.String(),
			Type:         event.EventType,
			Timestamp:    event.CreatedAt,
			Body:         body,
		},
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.EventType, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm of %s: %w", event.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked event %s", event.ID)
	}
	return nil
}

func (c *RabbitMQClient) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
