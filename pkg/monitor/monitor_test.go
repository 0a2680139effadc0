package monitor

import (
	"testing"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) (*Monitor, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New(store)
	return New(reg, store, Config{}), store
}

func TestSweep_MarksStaleNodeOfflineAndLosesItsTasks(t *testing.T) {
	m, store := newTestMonitor(t)

	stale := &types.Node{Hostname: "runner-1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateNode(stale))
	require.NoError(t, store.CreateTask(&types.Task{ID: 1, NodeHostname: "runner-1", Status: types.TaskStatusRunning}))
	require.NoError(t, store.CreateTask(&types.Task{ID: 2, NodeHostname: "runner-1", Status: types.TaskStatusCompleted}))

	require.NoError(t, m.sweep())

	node, err := store.GetNode("runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, node.Status)

	running, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusLost, running.Status)
	assert.Contains(t, running.Error, "runner-1")

	completed, err := store.GetTask(2)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, completed.Status, "terminal tasks must not be touched")
}

func TestSweep_LeavesFreshNodesAlone(t *testing.T) {
	m, store := newTestMonitor(t)

	fresh := &types.Node{Hostname: "runner-2", Status: types.NodeStatusOnline, LastHeartbeat: time.Now()}
	require.NoError(t, store.CreateNode(fresh))

	require.NoError(t, m.sweep())

	node, err := store.GetNode("runner-2")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
}
