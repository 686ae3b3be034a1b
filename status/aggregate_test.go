package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tpatki/merlin/status"
	"github.com/tpatki/merlin/taskqueue"
)

func TestAggregateJobsSumsAllQueues(t *testing.T) {
	statuses := []taskqueue.QueueStatus{
		{Name: "step1", PendingJobs: 3, ConsumerCount: 1},
		{Name: "step2", PendingJobs: 0, ConsumerCount: 2},
		{Name: "other_job", PendingJobs: 7, ConsumerCount: 0},
	}

	// The sum is unconditional: queues of other jobs count too.
	assert.Equal(t, 10, status.AggregateJobs(statuses))
}

func TestAggregateJobsEmptyInput(t *testing.T) {
	assert.Equal(t, 0, status.AggregateJobs(nil))
	assert.Equal(t, 0, status.AggregateJobs([]taskqueue.QueueStatus{}))
}

func TestAggregateConsumersUnionSemantics(t *testing.T) {
	active := taskqueue.ActiveQueueMap{
		"step1": {"w1@node07", "w2@node08"},
		"step2": {"w1@node07"},
	}

	// w1 watches both relevant queues but counts once.
	got := status.AggregateConsumers(active, []string{"step1", "step2"})
	assert.Equal(t, 2, got)
}

func TestAggregateConsumersIgnoresIrrelevantQueues(t *testing.T) {
	active := taskqueue.ActiveQueueMap{
		"step1":     {"w1@node07"},
		"other_job": {"w9@node01", "w10@node02"},
	}

	got := status.AggregateConsumers(active, []string{"step1"})
	assert.Equal(t, 1, got)
}

func TestAggregateConsumersEmptyMap(t *testing.T) {
	assert.Equal(t, 0, status.AggregateConsumers(nil, []string{"step1"}))
	assert.Equal(t, 0, status.AggregateConsumers(taskqueue.ActiveQueueMap{}, []string{"step1"}))
}

func TestAggregateConsumersNeverExceedsDistinctWorkers(t *testing.T) {
	active := taskqueue.ActiveQueueMap{
		"a": {"w1@h", "w2@h"},
		"b": {"w2@h", "w3@h"},
		"c": {"w3@h", "w1@h"},
	}

	got := status.AggregateConsumers(active, []string{"a", "b", "c"})
	assert.Equal(t, 3, got)
}
