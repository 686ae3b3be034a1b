package taskqueue

// QueueStatus is a point-in-time snapshot of one broker queue. It is produced
// fresh on every poll and never mutated, only replaced.
type QueueStatus struct {
	Name          string
	PendingJobs   int
	ConsumerCount int
}

// ActiveQueueMap maps a queue name to the identifiers of the workers
// currently subscribed to it. Worker identifiers are reported by the broker
// as "<name>@<host>".
type ActiveQueueMap map[string][]string

// WorkerQueueMap is the auxiliary view of an ActiveQueueMap: for each worker
// identifier, the queues it is watching.
type WorkerQueueMap map[string][]string
