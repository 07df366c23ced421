package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"

	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
)

// StreamPublisher appends integration events to a RabbitMQ stream.
type StreamPublisher struct {
	env      *stream.Environment
	producer *stream.Producer
	name     string
}

func NewStreamPublisher(uri, name string) (*StreamPublisher, error) {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq stream: %w", err)
	}

	err = env.DeclareStream(name, &stream.StreamOptions{
		MaxLengthBytes: stream.ByteCapacity{}.GB(2),
	})
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		env.Close()
		return nil, fmt.Errorf("failed to declare stream %s: %w", name, err)
	}

	producer, err := env.NewProducer(name, stream.NewProducerOptions().SetProducerName("telehealth-outbox"))
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}

	p := &StreamPublisher{env: env, producer: producer, name: name}
	go p.watchConfirms(producer.NotifyPublishConfirmation())
	return p, nil
}

func (p *StreamPublisher) watchConfirms(confirms stream.ChannelPublishConfirm) {
	for batch := range confirms {
		for _, status := range batch {
			if !status.IsConfirmed() {
				l := logging.L()
				l.Error().Str("stream", p.name).Msg("stream message not confirmed")
			}
		}
	}
}

func (p *StreamPublisher) PublishEvent(_ context.Context, event *domain.OutboxEvent) error {
	body, err := json.Marshal(NewMessage(event))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.producer.Send(amqp.NewMessage(body)); err != nil {
		return fmt.Errorf("failed to send %s to stream: %w", event.EventType, err)
	}
	return nil
}

func (p *StreamPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return err
	}
	return p.env.Close()
}
