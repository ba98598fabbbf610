package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockConn is an in-memory Conn for tests
type MockConn struct {
	Chan       *MockChannel
	ChannelErr error
	CloseErr   error
	Closed     bool
}

// Channel returns the mock channel
func (m *MockConn) Channel() (Channel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.Chan, nil
}

// Close marks the connection closed
func (m *MockConn) Close() error {
	m.Closed = true
	return m.CloseErr
}

// MockChannel records declared queues and published messages
type MockChannel struct {
	mu sync.Mutex

	Declared  []string
	Published []amqp.Publishing
	Keys      []string

	QueueDeclareErr error
	PublishErr      error
	CloseErr        error
	Closed          bool
}

// QueueDeclare records the queue name
func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.Declared = append(m.Declared, name)
	return amqp.Queue{Name: name}, nil
}

// Publish records msg under key
func (m *MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, msg)
	m.Keys = append(m.Keys, key)
	return nil
}

// QueueInspect reports the number of published messages
func (m *MockChannel) QueueInspect(name string) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(m.Published)}, nil
}

// Close marks the channel closed
func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return m.CloseErr
}

// NewMockDialer returns a dialer that hands out conn and records the URL.
func NewMockDialer(conn *MockConn, dialErr error, lastURL *string) Dialer {
	return func(url string) (Conn, error) {
		if lastURL != nil {
			*lastURL = url
		}
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
}
