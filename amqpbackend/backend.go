// Package amqpbackend implements the task queue backend contract over an
// AMQP broker. Queue depth and consumer counts come from passive queue
// declares; worker-level queries go through a broadcast control exchange
// that every worker answers on a per-request reply queue.
package amqpbackend

import (
	"context"
	"time"

	"github.com/op/go-logging"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tpatki/merlin/taskqueue"
)

var log = logging.MustGetLogger("log")

const (
	defaultControlExchange = "merlin.control"
	defaultReplyTimeout    = 2 * time.Second
)

// Backend queries worker and queue state from an AMQP broker.
type Backend struct {
	conn            *Conn
	controlExchange string
	replyTimeout    time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithControlExchange overrides the fanout exchange workers listen on for
// control requests.
func WithControlExchange(name string) Option {
	return func(b *Backend) {
		b.controlExchange = name
	}
}

// WithReplyTimeout sets how long a control broadcast waits for worker
// replies before returning what it has collected.
func WithReplyTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.replyTimeout = d
	}
}

// New wraps an open connection. The connection stays caller-owned: closing
// the Backend closes it.
func New(conn *Conn, opts ...Option) *Backend {
	b := &Backend{
		conn:            conn,
		controlExchange: defaultControlExchange,
		replyTimeout:    defaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// QueueStatuses inspects each named queue with a passive declare. Queues the
// broker does not know are reported with zero jobs and zero consumers.
func (b *Backend) QueueStatuses(ctx context.Context, queueNames []string) (map[string]taskqueue.QueueStatus, error) {
	statuses := make(map[string]taskqueue.QueueStatus, len(queueNames))
	for _, name := range queueNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		qs, err := b.inspectQueue(name)
		if err != nil {
			return nil, err
		}
		statuses[name] = qs
	}
	return statuses, nil
}

func (b *Backend) inspectQueue(name string) (taskqueue.QueueStatus, error) {
	// A failed passive declare closes the channel, so each probe gets its
	// own channel.
	ch, err := b.conn.channel()
	if err != nil {
		return taskqueue.QueueStatus{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(
		name,  // name
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == 404 {
			return taskqueue.QueueStatus{Name: name}, nil
		}
		return taskqueue.QueueStatus{}, taskqueue.Unavailable("could not inspect queue %s: %v", name, err)
	}

	return taskqueue.QueueStatus{
		Name:          name,
		PendingJobs:   q.Messages,
		ConsumerCount: q.Consumers,
	}, nil
}

// PurgeQueues drops all pending jobs from the named queues and returns the
// number of purged messages. Unknown queues are skipped.
func (b *Backend) PurgeQueues(ctx context.Context, queueNames []string) (int, error) {
	purged := 0
	for _, name := range queueNames {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		ch, err := b.conn.channel()
		if err != nil {
			return purged, err
		}
		n, err := ch.QueuePurge(name, false)
		if err != nil {
			_ = ch.Close()
			if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == 404 {
				log.Warningf("purge: queue %s does not exist, skipping", name)
				continue
			}
			return purged, taskqueue.Unavailable("could not purge queue %s: %v", name, err)
		}
		purged += n
		_ = ch.Close()
	}
	return purged, nil
}

// Close releases the underlying connection.
func (b *Backend) Close() error {
	return b.conn.Close()
}
