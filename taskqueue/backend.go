package taskqueue

import "context"

// Backend is the task queue system the monitor watches. Exactly one concrete
// implementation is selected at startup by configuration; the monitoring
// logic never branches on backend identity.
//
// Every call is a single synchronous round trip. Implementations return a
// *BackendError with code BackendUnavailableError when the broker cannot be
// reached; no method retries internally.
type Backend interface {
	/*
	   QueueStatuses returns a snapshot of the named queues: pending job
	   counts and the number of consumers attached to each. Queues unknown
	   to the broker are reported with zero jobs and zero consumers.
	*/
	QueueStatuses(ctx context.Context, queueNames []string) (map[string]QueueStatus, error)

	/*
	   ActiveQueues returns the queues that currently have at least one
	   worker subscribed, mapped to the worker identifiers watching them,
	   plus the inverse worker-to-queues view as auxiliary metadata.
	*/
	ActiveQueues(ctx context.Context) (ActiveQueueMap, WorkerQueueMap, error)

	/*
	   WorkerIDs returns the identifiers of every worker currently
	   connected to the broker, in "<name>@<host>" form.
	*/
	WorkerIDs(ctx context.Context) ([]string, error)

	/*
	   WorkersProcessing reports whether any worker servicing the given
	   queues is currently executing a task. This is distinct from queue
	   backlog: a worker can be mid-task with nothing left queued.
	*/
	WorkersProcessing(ctx context.Context, queueNames []string) (bool, error)

	/*
	   PurgeQueues drops all pending jobs from the named queues and
	   returns how many were removed.
	*/
	PurgeQueues(ctx context.Context, queueNames []string) (int, error)

	/*
	   StopWorkers broadcasts a stop request to workers. Empty filter
	   slices match everything; workersRegex, when non-empty, further
	   restricts by identifier pattern.
	*/
	StopWorkers(ctx context.Context, queueNames, workerNames []string, workersRegex string) error

	/*
	   Close releases the backend connection. The handle is caller-owned;
	   there is no process-wide singleton behind it.
	*/
	Close() error
}
