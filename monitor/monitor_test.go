package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpatki/merlin/monitor"
	"github.com/tpatki/merlin/taskqueue"
)

// fakeBackend implements taskqueue.Backend with canned responses.
type fakeBackend struct {
	statuses   map[string]taskqueue.QueueStatus
	active     taskqueue.ActiveQueueMap
	workerIDs  [][]string // one entry per WorkerIDs call; last entry repeats
	processing bool

	statusErr  error
	activeErr  error
	workersErr error

	workerCalls     int
	processingCalls int
}

func (f *fakeBackend) QueueStatuses(ctx context.Context, queueNames []string) (map[string]taskqueue.QueueStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statuses, nil
}

func (f *fakeBackend) ActiveQueues(ctx context.Context) (taskqueue.ActiveQueueMap, taskqueue.WorkerQueueMap, error) {
	if f.activeErr != nil {
		return nil, nil, f.activeErr
	}
	return f.active, nil, nil
}

func (f *fakeBackend) WorkerIDs(ctx context.Context) ([]string, error) {
	i := f.workerCalls
	f.workerCalls++
	if f.workersErr != nil {
		return nil, f.workersErr
	}
	if len(f.workerIDs) == 0 {
		return nil, nil
	}
	if i >= len(f.workerIDs) {
		i = len(f.workerIDs) - 1
	}
	return f.workerIDs[i], nil
}

func (f *fakeBackend) WorkersProcessing(ctx context.Context, queueNames []string) (bool, error) {
	f.processingCalls++
	return f.processing, nil
}

func (f *fakeBackend) PurgeQueues(ctx context.Context, queueNames []string) (int, error) {
	return 0, nil
}

func (f *fakeBackend) StopWorkers(ctx context.Context, queueNames, workerNames []string, workersRegex string) error {
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func TestActiveWheneverJobsQueued(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a": {Name: "a", PendingJobs: 5, ConsumerCount: 1},
		},
		active: taskqueue.ActiveQueueMap{"a": {"w1@host"}},
	}
	m := monitor.New(backend, []string{"a"}, []string{"w1"})

	activeWork, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, activeWork)
	// Backlog alone decides; the mid-task probe must not run.
	assert.Equal(t, 0, backend.processingCalls)
}

func TestDrainedQueuesDeferToProcessingProbe(t *testing.T) {
	for _, processing := range []bool{true, false} {
		backend := &fakeBackend{
			statuses: map[string]taskqueue.QueueStatus{
				"a": {Name: "a", PendingJobs: 0, ConsumerCount: 2},
			},
			active:     taskqueue.ActiveQueueMap{"a": {"w1@host"}},
			processing: processing,
		}
		m := monitor.New(backend, []string{"a"}, []string{"w1"})

		activeWork, err := m.CheckStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, processing, activeWork)
		assert.Equal(t, 1, backend.processingCalls)
	}
}

func TestJobSumCoversQueuesOutsideTheJob(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a":         {Name: "a", PendingJobs: 0, ConsumerCount: 1},
			"other_job": {Name: "other_job", PendingJobs: 3, ConsumerCount: 0},
		},
		active: taskqueue.ActiveQueueMap{"a": {"w1@host"}},
	}
	m := monitor.New(backend, []string{"a"}, []string{"w1"})

	activeWork, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, activeWork)
}

func TestWithJobFilterRestrictsJobSum(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a":         {Name: "a", PendingJobs: 0, ConsumerCount: 1},
			"other_job": {Name: "other_job", PendingJobs: 3, ConsumerCount: 0},
		},
		active: taskqueue.ActiveQueueMap{"a": {"w1@host"}},
	}
	m := monitor.New(backend, []string{"a"}, []string{"w1"}, monitor.WithJobFilter())

	activeWork, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, activeWork)
}

func TestWaitForWorkersSucceedsOnSubstringMatch(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a": {Name: "a", PendingJobs: 5, ConsumerCount: 0},
		},
		active:    taskqueue.ActiveQueueMap{"a": {}},
		workerIDs: [][]string{{"step1@node07"}},
	}
	m := monitor.New(backend, []string{"a"}, []string{"step1"}, monitor.WithSleep(time.Millisecond))

	activeWork, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, activeWork)
	// Match on the first poll: no retries.
	assert.Equal(t, 1, backend.workerCalls)
}

func TestWaitForWorkersExhaustsTenAttempts(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a": {Name: "a", PendingJobs: 5, ConsumerCount: 0},
		},
		active:    taskqueue.ActiveQueueMap{},
		workerIDs: [][]string{{"unrelated@node01"}},
	}
	m := monitor.New(backend, []string{"a"}, []string{"step1"}, monitor.WithSleep(time.Millisecond))

	_, err := m.CheckStatus(context.Background())
	var noWorkers *monitor.NoWorkersError
	require.ErrorAs(t, err, &noWorkers)
	assert.Equal(t, []string{"step1"}, noWorkers.Expected)
	assert.Equal(t, 10, backend.workerCalls)
}

func TestWaitForWorkersLateArrival(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a": {Name: "a", PendingJobs: 1, ConsumerCount: 0},
		},
		active:    taskqueue.ActiveQueueMap{},
		workerIDs: [][]string{nil, nil, {"step1@node07"}},
	}
	m := monitor.New(backend, []string{"a"}, []string{"step1"}, monitor.WithSleep(time.Millisecond))

	activeWork, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, activeWork)
	assert.Equal(t, 3, backend.workerCalls)
}

func TestWaitForWorkersObservesCancellation(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a": {Name: "a", PendingJobs: 1, ConsumerCount: 0},
		},
		active:    taskqueue.ActiveQueueMap{},
		workerIDs: [][]string{nil},
	}
	m := monitor.New(backend, []string{"a"}, []string{"step1"}, monitor.WithSleep(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.CheckStatus(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not observe cancellation during the wait sleep")
	}
}

func TestBackendErrorsPropagateUnretried(t *testing.T) {
	backendErr := taskqueue.Unavailable("broker unreachable")

	backend := &fakeBackend{statusErr: backendErr}
	m := monitor.New(backend, []string{"a"}, []string{"w1"})
	_, err := m.CheckStatus(context.Background())
	assert.True(t, taskqueue.IsUnavailable(err))

	backend = &fakeBackend{
		statuses:  map[string]taskqueue.QueueStatus{"a": {Name: "a"}},
		activeErr: backendErr,
	}
	m = monitor.New(backend, []string{"a"}, []string{"w1"})
	_, err = m.CheckStatus(context.Background())
	assert.True(t, taskqueue.IsUnavailable(err))

	backend = &fakeBackend{
		statuses:   map[string]taskqueue.QueueStatus{"a": {Name: "a"}},
		active:     taskqueue.ActiveQueueMap{},
		workersErr: backendErr,
	}
	m = monitor.New(backend, []string{"a"}, []string{"w1"}, monitor.WithSleep(time.Millisecond))
	_, err = m.CheckStatus(context.Background())
	assert.True(t, taskqueue.IsUnavailable(err))
	// The wait loop must not retry a failed round trip.
	assert.Equal(t, 1, backend.workerCalls)
}

func TestCheckStatusIdempotentOnStableSnapshot(t *testing.T) {
	backend := &fakeBackend{
		statuses: map[string]taskqueue.QueueStatus{
			"a": {Name: "a", PendingJobs: 0, ConsumerCount: 2},
		},
		active:     taskqueue.ActiveQueueMap{"a": {"w1@host"}},
		processing: false,
	}
	m := monitor.New(backend, []string{"a"}, []string{"w1"})

	first, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	second, err := m.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
