package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"mongowatch/internal/models"
)

// AMQPSink publishes records to a fanout exchange. Every bound queue gets
// every record; the session ID travels in a header so consumers can filter.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	log.Printf("✅ AMQP sink connected (exchange: %s)", exchange)
	return &AMQPSink{conn: conn, channel: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// Publish serializes the record as JSON and publishes it to the exchange.
func (s *AMQPSink) Publish(ctx context.Context, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.channel.PublishWithContext(ctx,
		s.exchange,
		"",    // routing key, ignored by fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     amqp.Table{"session_id": rec.SessionID},
			Body:        data,
		})
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	if err := s.channel.Close(); err != nil {
		return err
	}
	return s.conn.Close()
}
