// Package events fans job progress out to other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/print-agent/internal/model"
)

// Sink receives every message of every job, in order per job.
type Sink interface {
	Publish(ctx context.Context, msg model.Message) error
	Close() error
}

// Noop discards messages. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, model.Message) error { return nil }
func (Noop) Close() error                                 { return nil }

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQ publishes messages to a topic exchange with routing key
// job.{kind}, e.g. job.active, job.report, job.error.
type RabbitMQ struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	mu       sync.Mutex
}

func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
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
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQ{conn: conn, ch: ch, exchange: exchange}, nil
}

func RoutingKey(msg model.Message) string {
	return "job." + msg.Kind()
}

func (r *RabbitMQ) Publish(ctx context.Context, msg model.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r.mu.Lock()
	err = r.ch.PublishWithContext(ctx,
		r.exchange,      // exchange
		RoutingKey(msg), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.JobID,
			Timestamp:     time.Now(),
			Body:          body,
		})
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
