package amqpbackend

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tpatki/merlin/taskqueue"
)

// Conn is a caller-owned handle on one broker connection. Callers construct
// it with Dial, pass it to New and release it with Close; there is no hidden
// process-wide connection.
type Conn struct {
	conn *amqp.Connection
}

// Dial connects to the broker at the given AMQP URL.
func Dial(url string) (*Conn, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, taskqueue.Unavailable("could not connect to broker: %v", err)
	}
	return &Conn{conn: c}, nil
}

func (c *Conn) channel() (*amqp.Channel, error) {
	if c.conn.IsClosed() {
		return nil, taskqueue.Unavailable("connection is closed")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, taskqueue.Unavailable("could not open channel: %v", err)
	}
	return ch, nil
}

// Close releases the broker connection.
func (c *Conn) Close() error {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return &taskqueue.BackendError{Code: taskqueue.BackendCloseError, Msg: "failed to close connection: " + err.Error()}
		}
	}
	return nil
}
