// Package redisbackend implements the task queue backend contract over
// Redis. Pending jobs live in plain lists keyed by queue name; workers
// advertise themselves through TTL-guarded heartbeat keys, per-queue
// consumer sets and per-queue counters of tasks in execution.
package redisbackend

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	r "github.com/redis/go-redis/v9"

	"github.com/tpatki/merlin/taskqueue"
)

var _ taskqueue.Backend = (*Backend)(nil)

const defaultPrefix = "merlin:"

// Key layout under the prefix. Workers maintain these; the backend only
// reads them, except for purges and the control channel.
//
//	workers:<id>       heartbeat key with TTL, value unused
//	consumers:<queue>  set of worker ids subscribed to the queue
//	processing:<queue> count of tasks currently executing off the queue
//	control            pub/sub channel for stop requests
const (
	keyWorkers    = "workers:"
	keyConsumers  = "consumers:"
	keyProcessing = "processing:"
	controlKey    = "control"
)

// Backend queries worker and queue state from Redis.
type Backend struct {
	rdb    *r.Client
	prefix string
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix overrides the key namespace, "merlin:" by default. Queue lists
// themselves are keyed by bare queue name, matching what producers use.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		b.prefix = prefix
	}
}

// New wraps an existing client. The client stays caller-owned; Close
// releases it.
func New(rdb *r.Client, opts ...Option) *Backend {
	b := &Backend{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// QueueStatuses reads list lengths and consumer-set sizes for the named
// queues in one pipeline. Missing keys read as zero.
func (b *Backend) QueueStatuses(ctx context.Context, queueNames []string) (map[string]taskqueue.QueueStatus, error) {
	pipe := b.rdb.Pipeline()
	jobs := make([]*r.IntCmd, len(queueNames))
	consumers := make([]*r.IntCmd, len(queueNames))
	for i, name := range queueNames {
		jobs[i] = pipe.LLen(ctx, name)
		consumers[i] = pipe.SCard(ctx, b.prefix+keyConsumers+name)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != r.Nil {
		return nil, taskqueue.Unavailable("could not query queue status: %v", err)
	}

	statuses := make(map[string]taskqueue.QueueStatus, len(queueNames))
	for i, name := range queueNames {
		statuses[name] = taskqueue.QueueStatus{
			Name:          name,
			PendingJobs:   int(jobs[i].Val()),
			ConsumerCount: int(consumers[i].Val()),
		}
	}
	return statuses, nil
}

// ActiveQueues scans the consumer sets and returns queue-to-workers plus the
// inverse worker-to-queues view.
func (b *Backend) ActiveQueues(ctx context.Context) (taskqueue.ActiveQueueMap, taskqueue.WorkerQueueMap, error) {
	active := make(taskqueue.ActiveQueueMap)
	byWorker := make(taskqueue.WorkerQueueMap)

	iter := b.rdb.Scan(ctx, 0, b.prefix+keyConsumers+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		queue := strings.TrimPrefix(key, b.prefix+keyConsumers)
		workers, err := b.rdb.SMembers(ctx, key).Result()
		if err != nil && err != r.Nil {
			return nil, nil, taskqueue.Unavailable("could not read consumer set %s: %v", key, err)
		}
		if len(workers) == 0 {
			continue
		}
		active[queue] = workers
		for _, w := range workers {
			byWorker[w] = append(byWorker[w], queue)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, nil, taskqueue.Unavailable("could not scan consumer sets: %v", err)
	}
	return active, byWorker, nil
}

// WorkerIDs lists workers with a live heartbeat key.
func (b *Backend) WorkerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := b.rdb.Scan(ctx, 0, b.prefix+keyWorkers+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), b.prefix+keyWorkers))
	}
	if err := iter.Err(); err != nil {
		return nil, taskqueue.Unavailable("could not scan worker heartbeats: %v", err)
	}
	return ids, nil
}

// WorkersProcessing reports whether any of the named queues has a nonzero
// in-execution counter.
func (b *Backend) WorkersProcessing(ctx context.Context, queueNames []string) (bool, error) {
	if len(queueNames) == 0 {
		return false, nil
	}
	keys := make([]string, len(queueNames))
	for i, name := range queueNames {
		keys[i] = b.prefix + keyProcessing + name
	}

	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil && err != r.Nil {
		return false, taskqueue.Unavailable("could not read processing counters: %v", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// PurgeQueues deletes the job lists and returns how many entries they held.
func (b *Backend) PurgeQueues(ctx context.Context, queueNames []string) (int, error) {
	purged := 0
	for _, name := range queueNames {
		n, err := b.rdb.LLen(ctx, name).Result()
		if err != nil && err != r.Nil {
			return purged, taskqueue.Unavailable("could not purge queue %s: %v", name, err)
		}
		if err := b.rdb.Del(ctx, name).Err(); err != nil && err != r.Nil {
			return purged, taskqueue.Unavailable("could not purge queue %s: %v", name, err)
		}
		purged += int(n)
	}
	return purged, nil
}

// stopMessage is published on the control channel; workers apply the
// filters locally.
type stopMessage struct {
	Method  string   `json:"method"`
	Queues  []string `json:"queues,omitempty"`
	Workers []string `json:"workers,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// StopWorkers publishes a stop request on the control pub/sub channel.
func (b *Backend) StopWorkers(ctx context.Context, queueNames, workerNames []string, workersRegex string) error {
	if workersRegex != "" {
		if _, err := regexp.Compile(workersRegex); err != nil {
			return &taskqueue.BackendError{Code: taskqueue.BackendQueryError, Msg: "invalid workers regex: " + err.Error()}
		}
	}

	body, err := json.Marshal(stopMessage{
		Method:  "stop",
		Queues:  queueNames,
		Workers: workerNames,
		Pattern: workersRegex,
	})
	if err != nil {
		return &taskqueue.BackendError{Code: taskqueue.BackendQueryError, Msg: "could not encode stop request: " + err.Error()}
	}

	if err := b.rdb.Publish(ctx, b.prefix+controlKey, body).Err(); err != nil {
		return taskqueue.Unavailable("could not publish stop request: %v", err)
	}
	return nil
}

// Close releases the client.
func (b *Backend) Close() error {
	if err := b.rdb.Close(); err != nil {
		return &taskqueue.BackendError{Code: taskqueue.BackendCloseError, Msg: "failed to close client: " + err.Error()}
	}
	return nil
}
