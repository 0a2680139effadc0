package accountant

import (
	"testing"

	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/stretchr/testify/assert"
)

func node(hostname string, cores int, mem int64, gpus ...int) *types.Node {
	var gpuList []types.GPU
	for _, idx := range gpus {
		gpuList = append(gpuList, types.GPU{Index: idx})
	}
	return &types.Node{
		Hostname: hostname,
		Status:   types.NodeStatusOnline,
		Resources: types.NodeResources{
			Cores:       cores,
			MemoryBytes: mem,
			GPUs:        gpuList,
		},
	}
}

func TestAvailable_SubtractsOnlyResourceHoldingTasks(t *testing.T) {
	n := node("n1", 8, 16<<30, 0, 1)
	tasks := []*types.Task{
		{NodeHostname: "n1", Status: types.TaskStatusRunning, Request: types.ResourceRequest{Cores: 2, MemoryBytes: 4 << 30, GPUIndices: []int{0}}},
		{NodeHostname: "n1", Status: types.TaskStatusCompleted, Request: types.ResourceRequest{Cores: 4, MemoryBytes: 4 << 30, GPUIndices: []int{1}}},
	}

	free := Available(n, tasks)
	assert.Equal(t, 6, free.Cores)
	assert.EqualValues(t, 12<<30, free.MemoryBytes)
	assert.False(t, free.FreeGPUs[0])
	assert.True(t, free.FreeGPUs[1], "completed task must not hold its GPU")
}

func TestFits_ExactSetGPUMatch(t *testing.T) {
	n := node("n1", 8, 16<<30, 0, 1)
	free := Free{Cores: 8, MemoryBytes: 16 << 30, FreeGPUs: map[int]bool{0: true, 1: false}}

	assert.True(t, Fits(n, free, types.ResourceRequest{Cores: 1, GPUIndices: []int{0}}))
	assert.False(t, Fits(n, free, types.ResourceRequest{Cores: 1, GPUIndices: []int{1}}), "GPU 1 is in use")
	assert.False(t, Fits(n, free, types.ResourceRequest{Cores: 1, GPUIndices: []int{0, 1}}), "partial availability is not a fit")
}

func TestFits_RejectsInsufficientCoresOrMemory(t *testing.T) {
	n := node("n1", 4, 4<<30)
	free := Free{Cores: 4, MemoryBytes: 4 << 30, FreeGPUs: map[int]bool{}}

	assert.False(t, Fits(n, free, types.ResourceRequest{Cores: 5}))
	assert.False(t, Fits(n, free, types.ResourceRequest{Cores: 1, MemoryBytes: 8 << 30}))
	assert.True(t, Fits(n, free, types.ResourceRequest{Cores: 4, MemoryBytes: 4 << 30}))
}

func TestFits_RequiresDeclaredNUMANode(t *testing.T) {
	n := node("n1", 4, 4<<30)
	n.Resources.NUMANodes = []types.NUMANode{{Index: 0, Cores: []int{0, 1}}}
	free := Free{Cores: 4, MemoryBytes: 4 << 30, FreeGPUs: map[int]bool{}}

	want0 := 0
	want5 := 5
	assert.True(t, Fits(n, free, types.ResourceRequest{NUMANode: &want0}))
	assert.False(t, Fits(n, free, types.ResourceRequest{NUMANode: &want5}))
}

func TestSelectTarget_PrefersMostFreeCoresThenHostname(t *testing.T) {
	candidates := []Candidate{
		{Node: node("b-host", 8, 32<<30), Free: Free{Cores: 4, MemoryBytes: 32 << 30, FreeGPUs: map[int]bool{}}},
		{Node: node("a-host", 8, 32<<30), Free: Free{Cores: 4, MemoryBytes: 32 << 30, FreeGPUs: map[int]bool{}}},
		{Node: node("c-host", 8, 32<<30), Free: Free{Cores: 2, MemoryBytes: 32 << 30, FreeGPUs: map[int]bool{}}},
	}

	selected := SelectTarget(candidates, types.ResourceRequest{Cores: 1})
	require := assert.New(t)
	require.NotNil(selected)
	require.Equal("a-host", selected.Hostname, "equal free cores break ties on hostname")
}

func TestSelectTarget_SkipsOfflineAndNonFittingNodes(t *testing.T) {
	offline := node("offline-host", 16, 64<<30)
	offline.Status = types.NodeStatusOffline

	candidates := []Candidate{
		{Node: offline, Free: Free{Cores: 16, MemoryBytes: 64 << 30, FreeGPUs: map[int]bool{}}},
		{Node: node("small-host", 1, 1<<30), Free: Free{Cores: 1, MemoryBytes: 1 << 30, FreeGPUs: map[int]bool{}}},
	}

	selected := SelectTarget(candidates, types.ResourceRequest{Cores: 4})
	assert.Nil(t, selected, "no online candidate has enough cores")
}

func TestSelectTarget_ReturnsNilWhenNoCandidates(t *testing.T) {
	assert.Nil(t, SelectTarget(nil, types.ResourceRequest{Cores: 1}))
}

func TestMatchesSelector(t *testing.T) {
	n := node("web-1", 4, 4<<30)
	assert.True(t, MatchesSelector(n, nil))
	assert.True(t, MatchesSelector(n, map[string]string{"hostname": "web-1"}))
	assert.False(t, MatchesSelector(n, map[string]string{"hostname": "web-2"}))
}

func TestBuildCandidates_GroupsTasksByNode(t *testing.T) {
	nodes := []*types.Node{node("n1", 4, 4<<30), node("n2", 4, 4<<30)}
	tasks := []*types.Task{
		{NodeHostname: "n1", Status: types.TaskStatusRunning, Request: types.ResourceRequest{Cores: 1}},
		{NodeHostname: "n2", Status: types.TaskStatusPending, Request: types.ResourceRequest{Cores: 1}},
	}

	candidates := BuildCandidates(nodes, tasks)
	require := assert.New(t)
	require.Len(candidates, 2)
	for _, c := range candidates {
		if c.Node.Hostname == "n1" {
			require.Equal(3, c.Free.Cores)
		}
		if c.Node.Hostname == "n2" {
			require.Equal(4, c.Free.Cores, "pending task does not yet hold resources")
		}
	}
}
