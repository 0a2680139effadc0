package ipalloc

import (
	"testing"

	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSSHPortAllocator_RejectsInvalidRange(t *testing.T) {
	_, err := NewSSHPortAllocator(0, 100)
	assert.Error(t, err)

	_, err = NewSSHPortAllocator(100, 50)
	assert.Error(t, err)
}

func TestSSHPortAllocator_Allocate_ReturnsDistinctPorts(t *testing.T) {
	a, err := NewSSHPortAllocator(2200, 2202)
	require.NoError(t, err)

	p1, err := a.Allocate(1)
	require.NoError(t, err)
	p2, err := a.Allocate(2)
	require.NoError(t, err)
	p3, err := a.Allocate(3)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{2200, 2201, 2202}, []int{p1, p2, p3})
}

func TestSSHPortAllocator_Allocate_ExhaustedRangeErrors(t *testing.T) {
	a, err := NewSSHPortAllocator(2200, 2201)
	require.NoError(t, err)

	_, err = a.Allocate(1)
	require.NoError(t, err)
	_, err = a.Allocate(2)
	require.NoError(t, err)

	_, err = a.Allocate(3)
	assert.ErrorContains(t, err, "exhausted")
}

func TestSSHPortAllocator_Release_FreesPortForReuse(t *testing.T) {
	a, err := NewSSHPortAllocator(2200, 2200)
	require.NoError(t, err)

	port, err := a.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, 2200, port)

	_, err = a.Allocate(2)
	assert.ErrorContains(t, err, "exhausted")

	a.Release(port)

	again, err := a.Allocate(2)
	require.NoError(t, err)
	assert.Equal(t, 2200, again)
}

func TestSSHPortAllocator_Rebuild_OnlyNonTerminalVPSWithPort(t *testing.T) {
	a, err := NewSSHPortAllocator(2200, 2202)
	require.NoError(t, err)

	tasks := []*types.Task{
		{ID: 1, Type: types.TaskTypeVPS, Status: types.TaskStatusRunning, SSHPort: 2200},
		{ID: 2, Type: types.TaskTypeVPS, Status: types.TaskStatusCompleted, SSHPort: 2201},
		{ID: 3, Type: types.TaskTypeCommand, Status: types.TaskStatusRunning, SSHPort: 2202},
		{ID: 4, Type: types.TaskTypeVPS, Status: types.TaskStatusRunning, SSHPort: 0},
	}
	a.Rebuild(tasks)

	// only task 1's port should be held; the other two ports are free
	p, err := a.Allocate(5)
	require.NoError(t, err)
	assert.Contains(t, []int{2201, 2202}, p)

	q, err := a.Allocate(6)
	require.NoError(t, err)
	assert.Contains(t, []int{2201, 2202}, q)
	assert.NotEqual(t, p, q)

	_, err = a.Allocate(7)
	assert.ErrorContains(t, err, "exhausted")
}
