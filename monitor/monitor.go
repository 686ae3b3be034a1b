// Package monitor decides whether a monitored job still has active work:
// it aggregates queue backlog and worker liveness from the task queue
// backend and, when no workers are visible yet, waits for them to appear
// under a bounded retry policy.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/op/go-logging"

	"github.com/tpatki/merlin/status"
	"github.com/tpatki/merlin/taskqueue"
)

var log = logging.MustGetLogger("log")

const (
	// waitMaxAttempts bounds the wait-for-workers sub-loop. Exhausting it
	// means worker launch is broken, not merely slow.
	waitMaxAttempts = 10

	defaultSleep = 60 * time.Second
)

// NoWorkersError is the terminal condition of the wait-for-workers loop:
// none of the expected workers appeared within the attempt budget. The
// caller should stop monitoring, the job cannot progress.
type NoWorkersError struct {
	Expected []string
}

func (e *NoWorkersError) Error() string {
	return fmt.Sprintf("no workers available to process the non-empty queue (expected one of %v)", e.Expected)
}

// Monitor checks a single job's liveness against a task queue backend. Each
// CheckStatus call is independent; no state survives between calls.
type Monitor struct {
	backend     taskqueue.Backend
	queues      []string
	workerNames []string
	sleep       time.Duration
	filterJobs  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSleep sets the pause between wait-for-workers attempts. The default
// is one minute.
func WithSleep(d time.Duration) Option {
	return func(m *Monitor) {
		m.sleep = d
	}
}

// WithJobFilter restricts the pending-job sum to the job's own queues. By
// default the sum covers every queue the backend reports, matching a shared
// broker serving several jobs at once.
func WithJobFilter() Option {
	return func(m *Monitor) {
		m.filterJobs = true
	}
}

// New creates a Monitor for the job whose steps publish on relevantQueues
// and whose workers report identifiers containing one of workerNames.
func New(backend taskqueue.Backend, relevantQueues, workerNames []string, opts ...Option) *Monitor {
	m := &Monitor{
		backend:     backend,
		queues:      relevantQueues,
		workerNames: workerNames,
		sleep:       defaultSleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckStatus reports whether the job still has active work. It returns
// false once the queues are drained and no worker is mid-task. A
// *NoWorkersError means no worker ever appeared; backend errors propagate
// unretried.
func (m *Monitor) CheckStatus(ctx context.Context) (bool, error) {
	statuses, err := m.backend.QueueStatuses(ctx, m.queues)
	if err != nil {
		return false, err
	}

	totalJobs := m.totalJobs(statuses)

	active, _, err := m.backend.ActiveQueues(ctx)
	if err != nil {
		return false, err
	}
	totalConsumers := status.AggregateConsumers(active, m.queues)

	log.Infof("monitor: found %d jobs in queues and %d workers alive", totalJobs, totalConsumers)

	if totalConsumers == 0 {
		// The wait loop only re-confirms worker presence; the job count
		// observed above stays authoritative for this check.
		if err := m.waitForWorkers(ctx); err != nil {
			return false, err
		}
	}

	if totalJobs > 0 {
		return true, nil
	}

	// Nothing queued, but a worker may be mid-task on a long-running job.
	return m.backend.WorkersProcessing(ctx, m.queues)
}

func (m *Monitor) totalJobs(statuses map[string]taskqueue.QueueStatus) int {
	relevant := make(map[string]bool, len(m.queues))
	for _, q := range m.queues {
		relevant[q] = true
	}

	all := make([]taskqueue.QueueStatus, 0, len(statuses))
	for name, qs := range statuses {
		if m.filterJobs && !relevant[name] {
			continue
		}
		all = append(all, qs)
	}
	return status.AggregateJobs(all)
}

// waitForWorkers polls the backend's worker list until one of the expected
// worker names shows up inside a reported "<name>@<host>" identifier, up to
// waitMaxAttempts polls with a cancellable sleep in between.
func (m *Monitor) waitForWorkers(ctx context.Context) error {
	log.Infof("monitor: checking for the following workers: %v", m.workerNames)

	for attempt := 1; attempt <= waitMaxAttempts; attempt++ {
		ids, err := m.backend.WorkerIDs(ctx)
		if err != nil {
			return err
		}
		log.Infof("monitor: checking for workers, running workers = %v ...", ids)

		if anyWorkerMatches(m.workerNames, ids) {
			return nil
		}
		if attempt == waitMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.sleep):
		}
	}

	return &NoWorkersError{Expected: m.workerNames}
}

func anyWorkerMatches(names, ids []string) bool {
	for _, name := range names {
		for _, id := range ids {
			if strings.Contains(id, name) {
				return true
			}
		}
	}
	return false
}
