package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"hut.evalgo.org/common"
)

// DefaultQueue receives events when no queue name is configured.
const DefaultQueue = "hut.events"

// Config configures the AMQP publisher
type Config struct {
	URL    string
	Queue  string
	Logger *logrus.Entry
}

// AMQPPublisher publishes JSON events to a durable RabbitMQ queue
type AMQPPublisher struct {
	conn    Conn
	channel Channel
	queue   string
	log     *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewAMQPPublisher connects to RabbitMQ and declares the event queue.
func NewAMQPPublisher(cfg Config) (*AMQPPublisher, error) {
	return NewAMQPPublisherWithDialer(cfg, DialAMQP)
}

// NewAMQPPublisherWithDialer is NewAMQPPublisher with an injected dialer.
func NewAMQPPublisherWithDialer(cfg Config, dial Dialer) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("AMQP URL is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}

	conn, err := dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &AMQPPublisher{
		conn:    conn,
		channel: ch,
		queue:   cfg.Queue,
		log:     common.ComponentLogger(cfg.Logger, "events"),
	}, nil
}

// Publish marshals event and publishes it on the default exchange with the
// queue name as routing key. The event type travels in the message type.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("publisher is closed")
	}

	err = p.channel.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Type:         event.Type,
			Timestamp:    event.At,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"event":   event.Type,
		"subject": event.Subject,
	}).Debug("Published event")
	return nil
}

// Pending returns the number of messages waiting in the queue.
func (p *AMQPPublisher) Pending() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.channel.QueueInspect(p.queue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// Close closes the channel and connection. Further calls are no-ops.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
