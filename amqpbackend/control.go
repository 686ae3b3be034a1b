package amqpbackend

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tpatki/merlin/taskqueue"
)

var _ taskqueue.Backend = (*Backend)(nil)

// Control methods understood by workers.
const (
	methodPing         = "ping"
	methodActiveQueues = "active_queues"
	methodProcessing   = "processing"
	methodStop         = "stop"
)

const replyQueuePrefix = "merlin.reply."

// controlRequest is broadcast on the control exchange. Workers answer on the
// reply queue named in ReplyTo, except for stop requests, which have none.
type controlRequest struct {
	Method  string   `json:"method"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Queues  []string `json:"queues,omitempty"`
	Workers []string `json:"workers,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// controlReply is one worker's answer to a control request.
type controlReply struct {
	Worker string   `json:"worker"`
	Queues []string `json:"queues,omitempty"`
	Active int      `json:"active,omitempty"`
}

// WorkerIDs pings every connected worker and returns their identifiers.
func (b *Backend) WorkerIDs(ctx context.Context) ([]string, error) {
	replies, err := b.broadcast(ctx, controlRequest{Method: methodPing})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(replies))
	for _, r := range replies {
		ids = append(ids, r.Worker)
	}
	sort.Strings(ids)
	return ids, nil
}

// ActiveQueues asks every worker which queues it is watching and returns
// both directions of that relation.
func (b *Backend) ActiveQueues(ctx context.Context) (taskqueue.ActiveQueueMap, taskqueue.WorkerQueueMap, error) {
	replies, err := b.broadcast(ctx, controlRequest{Method: methodActiveQueues})
	if err != nil {
		return nil, nil, err
	}

	active := make(taskqueue.ActiveQueueMap)
	byWorker := make(taskqueue.WorkerQueueMap, len(replies))
	for _, r := range replies {
		byWorker[r.Worker] = r.Queues
		for _, q := range r.Queues {
			active[q] = append(active[q], r.Worker)
		}
	}
	return active, byWorker, nil
}

// WorkersProcessing reports whether any worker watching the given queues is
// currently executing a task.
func (b *Backend) WorkersProcessing(ctx context.Context, queueNames []string) (bool, error) {
	replies, err := b.broadcast(ctx, controlRequest{Method: methodProcessing, Queues: queueNames})
	if err != nil {
		return false, err
	}

	for _, r := range replies {
		if r.Active > 0 {
			return true, nil
		}
	}
	return false, nil
}

// StopWorkers broadcasts a stop request. Workers decide locally whether the
// queue, name and pattern filters select them; no replies are collected.
func (b *Backend) StopWorkers(ctx context.Context, queueNames, workerNames []string, workersRegex string) error {
	if workersRegex != "" {
		if _, err := regexp.Compile(workersRegex); err != nil {
			return &taskqueue.BackendError{Code: taskqueue.BackendQueryError, Msg: "invalid workers regex: " + err.Error()}
		}
	}

	ch, err := b.conn.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareControlExchange(ch, b.controlExchange); err != nil {
		return err
	}

	return b.publish(ctx, ch, controlRequest{
		Method:  methodStop,
		Queues:  queueNames,
		Workers: workerNames,
		Pattern: workersRegex,
	})
}

// broadcast publishes a control request and collects worker replies until
// the reply timeout elapses or ctx is cancelled.
func (b *Backend) broadcast(ctx context.Context, req controlRequest) ([]controlReply, error) {
	ch, err := b.conn.channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if err := declareControlExchange(ch, b.controlExchange); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		replyQueuePrefix+uuid.NewString(), // name
		false,                             // durable
		true,                              // delete when unused
		true,                              // exclusive
		false,                             // no-wait
		nil,                               // arguments
	)
	if err != nil {
		return nil, taskqueue.Unavailable("could not declare reply queue: %v", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // autoAck
		true,   // exclusive
		false,  // noLocal
		false,  // noWait
		nil,    // args
	)
	if err != nil {
		return nil, taskqueue.Unavailable("could not consume replies: %v", err)
	}

	req.ReplyTo = q.Name
	if err := b.publish(ctx, ch, req); err != nil {
		return nil, err
	}

	var replies []controlReply
	deadline := time.After(b.replyTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return replies, nil
		case d, ok := <-deliveries:
			if !ok {
				return replies, nil
			}
			var reply controlReply
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				log.Warningf("control: dropping malformed reply on %s: %v", q.Name, err)
				continue
			}
			replies = append(replies, reply)
		}
	}
}

func (b *Backend) publish(ctx context.Context, ch *amqp.Channel, req controlRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &taskqueue.BackendError{Code: taskqueue.BackendQueryError, Msg: "could not encode control request: " + err.Error()}
	}

	err = ch.PublishWithContext(ctx,
		b.controlExchange, // exchange
		"",                // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return taskqueue.Unavailable("could not publish control request: %v", err)
	}
	return nil
}

func declareControlExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		"fanout", // type
		false,    // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return taskqueue.Unavailable("could not declare control exchange %s: %v", name, err)
	}
	return nil
}
