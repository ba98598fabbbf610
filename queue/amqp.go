package queue

import (
	"github.com/streadway/amqp"
)

// Conn is the part of an AMQP connection the publisher uses.
type Conn interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is the part of an AMQP channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

// Dialer opens an AMQP connection.
type Dialer func(url string) (Conn, error)

// DialAMQP dials a real RabbitMQ server.
func DialAMQP(url string) (Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConn{conn: conn}, nil
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c *amqpConn) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConn) Close() error {
	return c.conn.Close()
}
