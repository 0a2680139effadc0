package storage

import (
	"testing"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_NodeCRUD(t *testing.T) {
	store := newTestStore(t)

	node := &types.Node{
		Hostname:  "runner-1",
		Address:   "10.0.0.5",
		Port:      9200,
		Status:    types.NodeStatusOnline,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateNode(node))

	got, err := store.GetNode("runner-1")
	require.NoError(t, err)
	assert.Equal(t, node.Address, got.Address)

	node.Status = types.NodeStatusOffline
	require.NoError(t, store.UpdateNode(node))

	got, err = store.GetNode("runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, got.Status)

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, store.DeleteNode("runner-1"))
	_, err = store.GetNode("runner-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_TaskCRUDAndListByNode(t *testing.T) {
	store := newTestStore(t)

	t1 := &types.Task{ID: 1, NodeHostname: "runner-1", Status: types.TaskStatusPending}
	t2 := &types.Task{ID: 2, NodeHostname: "runner-2", Status: types.TaskStatusPending}
	require.NoError(t, store.CreateTask(t1))
	require.NoError(t, store.CreateTask(t2))

	got, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, "runner-1", got.NodeHostname)

	all, err := store.ListTasks()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onR1, err := store.ListTasksByNode("runner-1")
	require.NoError(t, err)
	require.Len(t, onR1, 1)
	assert.EqualValues(t, 1, onR1[0].ID)

	require.NoError(t, store.DeleteTask(2))
	_, err = store.GetTask(2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_UpdateTaskStatus_SucceedsOnMatchingExpected(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{ID: 10, Status: types.TaskStatusPending}
	require.NoError(t, store.CreateTask(task))

	err := store.UpdateTaskStatus(10, types.TaskStatusPending, func(task *types.Task) {
		task.Status = types.TaskStatusRunning
		task.StartedAt = time.Now()
	})
	require.NoError(t, err)

	got, err := store.GetTask(10)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
}

func TestBoltStore_UpdateTaskStatus_RejectsMismatchedExpected(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{ID: 11, Status: types.TaskStatusRunning}
	require.NoError(t, store.CreateTask(task))

	err := store.UpdateTaskStatus(11, types.TaskStatusPending, func(task *types.Task) {
		task.Status = types.TaskStatusKilled
	})
	assert.ErrorIs(t, err, ErrCASMismatch)

	got, err := store.GetTask(11)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status, "status must not change on CAS mismatch")
}

func TestBoltStore_UpdateTaskStatus_RejectsMutationOfTerminalTask(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{ID: 12, Status: types.TaskStatusCompleted}
	require.NoError(t, store.CreateTask(task))

	err := store.UpdateTaskStatus(12, types.TaskStatusCompleted, func(task *types.Task) {
		task.Status = types.TaskStatusRunning
	})
	assert.ErrorIs(t, err, ErrCASMismatch)

	got, err := store.GetTask(12)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status, "terminal status must be final")
}

func TestBoltStore_IPReservationCRUD(t *testing.T) {
	store := newTestStore(t)

	res := &types.IPReservation{Subnet: "10.42.0.0/16", IP: "10.42.0.2", TaskID: 99}
	require.NoError(t, store.CreateIPReservation(res))

	listed, err := store.ListIPReservations("10.42.0.0/16")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "10.42.0.2", listed[0].IP)

	require.NoError(t, store.DeleteIPReservation("10.42.0.0/16", "10.42.0.2"))
	listed, err = store.ListIPReservations("10.42.0.0/16")
	require.NoError(t, err)
	assert.Empty(t, listed)
}
