package status

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tpatki/merlin/taskqueue"
)

const timeLayout = "2006-01-02 15:04:05"

// Reporter appends one row of per-queue job and consumer counts to a CSV
// file per poll. It is an external collaborator of the monitor: the core
// owns no persisted state.
//
// Column order is fixed at construction so that rows stay aligned across
// appends regardless of map iteration order.
type Reporter struct {
	path   string
	queues []string
	now    func() time.Time // testing hook
}

// NewReporter creates a reporter writing to path with one tasks/consumers
// column pair per queue, in the given order.
func NewReporter(path string, queueNames []string) *Reporter {
	return &Reporter{
		path:   path,
		queues: queueNames,
		now:    time.Now,
	}
}

// Append writes one timestamped row. The header is written first when the
// file does not exist yet. Queues missing from statuses are reported as zero.
func (r *Reporter) Append(statuses map[string]taskqueue.QueueStatus) error {
	_, err := os.Stat(r.path)
	writeHeader := os.IsNotExist(err)

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open status report: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	if writeHeader {
		sb.WriteString("# time")
		for _, name := range r.queues {
			fmt.Fprintf(&sb, ",%s:tasks,%s:consumers", name, name)
		}
		sb.WriteByte('\n')
	}

	sb.WriteString(r.now().Format(timeLayout))
	for _, name := range r.queues {
		qs := statuses[name]
		fmt.Fprintf(&sb, ",%d,%d", qs.PendingJobs, qs.ConsumerCount)
	}
	sb.WriteByte('\n')

	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("could not append status report: %w", err)
	}
	return nil
}
