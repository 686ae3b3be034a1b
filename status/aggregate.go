// Package status turns raw backend snapshots into the two scalars the
// monitor needs for a go/no-go decision, and can append them to a CSV report.
package status

import (
	"github.com/tpatki/merlin/taskqueue"
)

// AggregateJobs sums pending jobs over every status, unconditionally. The
// sum deliberately covers everything the backend returned, not just the
// queues of the job under watch; a shared broker may serve several jobs.
func AggregateJobs(statuses []taskqueue.QueueStatus) int {
	total := 0
	for _, qs := range statuses {
		total += qs.PendingJobs
	}
	return total
}

// AggregateConsumers counts the distinct workers subscribed to any of the
// relevant queues. A worker watching two relevant queues counts once; a
// worker dedicated to an unrelated queue does not count at all.
func AggregateConsumers(active taskqueue.ActiveQueueMap, relevantQueues []string) int {
	relevant := make(map[string]bool, len(relevantQueues))
	for _, q := range relevantQueues {
		relevant[q] = true
	}

	consumers := make(map[string]bool)
	for queue, workers := range active {
		if !relevant[queue] {
			continue
		}
		for _, w := range workers {
			consumers[w] = true
		}
	}
	return len(consumers)
}
