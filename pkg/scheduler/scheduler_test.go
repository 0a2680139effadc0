package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records calls and lets tests control outcomes per node.
type fakeDispatcher struct {
	mu           sync.Mutex
	dispatched   []int64
	killed       []int64
	paused       []int64
	resumed      []int64
	failDispatch map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failDispatch: make(map[string]error)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, node *types.Node, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDispatch[node.Hostname]; err != nil {
		return err
	}
	f.dispatched = append(f.dispatched, task.ID)
	return nil
}

func (f *fakeDispatcher) Kill(ctx context.Context, node *types.Node, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, task.ID)
	return nil
}

func (f *fakeDispatcher) Pause(ctx context.Context, node *types.Node, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, task.ID)
	return nil
}

func (f *fakeDispatcher) Resume(ctx context.Context, node *types.Node, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, task.ID)
	return nil
}

func (f *fakeDispatcher) wasDispatched(taskID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.dispatched {
		if id == taskID {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, storage.Store, *registry.Registry, *fakeDispatcher) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New(store)
	disp := newFakeDispatcher()
	sched, err := New(store, reg, disp, 1, cfg)
	require.NoError(t, err)
	return sched, store, reg, disp
}

func registerNode(t *testing.T, reg *registry.Registry, hostname string, cores int, memBytes int64) {
	t.Helper()
	require.NoError(t, reg.Register(&types.Node{
		Hostname: hostname,
		Resources: types.NodeResources{
			Cores:       cores,
			MemoryBytes: memBytes,
		},
	}))
}

func waitForTaskStatus(t *testing.T, store storage.Store, taskID int64, want types.TaskStatus) *types.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %d never reached status %s", taskID, want)
	return nil
}

func basicTask() *types.Task {
	return &types.Task{
		Type:    types.TaskTypeCommand,
		Image:   "alpine:latest",
		Command: []string{"/bin/true"},
		Request: types.ResourceRequest{Cores: 1, MemoryBytes: 1 << 20},
	}
}

func TestSubmit_RejectsInvalidTask(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Config{})
	_, err := sched.Submit(&types.Task{Type: types.TaskTypeCommand})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmit_DispatchesImmediatelyWhenApprovalNotRequired(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t, Config{})
	registerNode(t, reg, "runner-1", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)
	assert.NotZero(t, task.ID)

	waitForTaskStatus(t, store, task.ID, types.TaskStatusAssigningDispatched)
	assert.True(t, disp.wasDispatched(task.ID))
}

func TestSubmit_GoesToPendingApprovalWhenRequired(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t, Config{RequireApproval: true})
	registerNode(t, reg, "runner-1", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPendingApproval, task.Status)

	time.Sleep(20 * time.Millisecond)
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPendingApproval, got.Status, "must not dispatch before approval")
	assert.False(t, disp.wasDispatched(task.ID))
}

func TestApprove_DispatchesPendingApprovalTask(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t, Config{RequireApproval: true})
	registerNode(t, reg, "runner-1", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)

	require.NoError(t, sched.Approve(task.ID))
	waitForTaskStatus(t, store, task.ID, types.TaskStatusAssigningDispatched)
	assert.True(t, disp.wasDispatched(task.ID))
}

func TestReject_MovesTaskToTerminalRejected(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, Config{RequireApproval: true})

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)

	require.NoError(t, sched.Reject(task.ID))
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRejected, got.Status)
}

func TestSubmit_FailsWhenNoNodeFits(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, Config{})

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)

	got := waitForTaskStatus(t, store, task.ID, types.TaskStatusFailed)
	assert.Contains(t, got.Error, "no target found")
}

func TestDispatch_FailsTaskWhenDispatcherErrors(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t, Config{})
	registerNode(t, reg, "runner-1", 4, 4<<30)
	disp.failDispatch["runner-1"] = assert.AnError

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)

	got := waitForTaskStatus(t, store, task.ID, types.TaskStatusFailed)
	assert.Contains(t, got.Error, "dispatch to runner-1 failed")
}

func TestReportStatus_AppliesForwardTransition(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t, Config{})
	registerNode(t, reg, "runner-1", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)
	waitForTaskStatus(t, store, task.ID, types.TaskStatusAssigningDispatched)

	require.NoError(t, sched.ReportStatus(task.ID, "runner-1", types.TaskStatusAssigningDispatched, types.TaskStatusRunning, 0, ""))
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, sched.ReportStatus(task.ID, "runner-1", types.TaskStatusRunning, types.TaskStatusCompleted, 0, ""))
	got, err = store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestReportStatus_RejectsMismatchedExpected(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t, Config{})
	registerNode(t, reg, "runner-1", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)
	waitForTaskStatus(t, store, task.ID, types.TaskStatusAssigningDispatched)

	err = sched.ReportStatus(task.ID, "runner-1", types.TaskStatusRunning, types.TaskStatusCompleted, 0, "")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestReportStatus_RejectsWrongRunner(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t, Config{})
	registerNode(t, reg, "runner-1", 4, 4<<30)
	registerNode(t, reg, "runner-2", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)
	waitForTaskStatus(t, store, task.ID, types.TaskStatusAssigningDispatched)

	err = sched.ReportStatus(task.ID, "runner-2", types.TaskStatusAssigningDispatched, types.TaskStatusRunning, 0, "")
	assert.ErrorIs(t, err, ErrWrongRunner)

	got, getErr := store.GetTask(task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.TaskStatusAssigningDispatched, got.Status)
}

func TestKill_DispatchesAndMarksKilling(t *testing.T) {
	sched, store, reg, disp := newTestScheduler(t, Config{})
	registerNode(t, reg, "runner-1", 4, 4<<30)

	task, err := sched.Submit(basicTask())
	require.NoError(t, err)
	waitForTaskStatus(t, store, task.ID, types.TaskStatusAssigningDispatched)
	require.NoError(t, sched.ReportStatus(task.ID, "runner-1", types.TaskStatusAssigningDispatched, types.TaskStatusRunning, 0, ""))

	require.NoError(t, sched.Kill(context.Background(), task.ID))
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusKilling, got.Status)
	assert.Contains(t, disp.killed, task.ID)
}

func TestKill_RejectsTerminalTask(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, store.CreateTask(&types.Task{ID: 99, Status: types.TaskStatusCompleted}))

	err := sched.Kill(context.Background(), 99)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestPauseResume_RoundTripVPSTask(t *testing.T) {
	sched, store, _, disp := newTestScheduler(t, Config{})
	require.NoError(t, store.CreateNode(&types.Node{Hostname: "runner-1", Status: types.NodeStatusOnline}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 7, Type: types.TaskTypeVPS, NodeHostname: "runner-1", Status: types.TaskStatusRunning,
	}))

	require.NoError(t, sched.Pause(context.Background(), 7))
	got, err := store.GetTask(7)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, got.Status)
	assert.Contains(t, disp.paused, int64(7))

	require.NoError(t, sched.Resume(context.Background(), 7))
	got, err = store.GetTask(7)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Contains(t, disp.resumed, int64(7))
}

func TestPause_RejectsNonVPSTask(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, store.CreateNode(&types.Node{Hostname: "runner-1", Status: types.NodeStatusOnline}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 8, Type: types.TaskTypeCommand, NodeHostname: "runner-1", Status: types.TaskStatusRunning,
	}))

	err := sched.Pause(context.Background(), 8)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestReapStuckAssigning_FailsTasksPastTimeout(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 5, Status: types.TaskStatusAssigning, SubmittedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 6, Status: types.TaskStatusAssigning, SubmittedAt: time.Now(),
	}))

	sched.reapStuckAssigning()

	stuck, err := store.GetTask(5)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stuck.Status)

	fresh, err := store.GetTask(6)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigning, fresh.Status)
}

func TestReconcileStuckAssigning_MarksAssigningTasksLostOnStartup(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, Config{})
	require.NoError(t, store.CreateTask(&types.Task{ID: 1, Status: types.TaskStatusAssigning}))
	require.NoError(t, store.CreateTask(&types.Task{ID: 2, Status: types.TaskStatusAssigningDispatched}))
	require.NoError(t, store.CreateTask(&types.Task{ID: 3, Status: types.TaskStatusRunning}))

	require.NoError(t, sched.ReconcileStuckAssigning())

	t1, _ := store.GetTask(1)
	t2, _ := store.GetTask(2)
	t3, _ := store.GetTask(3)
	assert.Equal(t, types.TaskStatusLost, t1.Status, "stuck assigning tasks are lost, not failed, matching runner-death handling")
	assert.Equal(t, types.TaskStatusLost, t2.Status)
	assert.Equal(t, types.TaskStatusRunning, t3.Status, "non-assigning tasks are untouched")
}
