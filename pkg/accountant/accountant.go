// Package accountant computes per-node resource availability and selects a
// placement target for a task's resource request. It holds no state of its
// own; callers pass in the current node/task snapshot for each decision.
package accountant

import (
	"sort"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Free is the unreserved capacity on one node at a point in time.
type Free struct {
	Cores       int
	MemoryBytes int64
	FreeGPUs    map[int]bool // GPU index -> free
}

// Available computes the free capacity of node given the tasks currently
// assigned to it. Only tasks in a non-terminal, resource-holding status
// count against the node's capacity.
func Available(node *types.Node, tasksOnNode []*types.Task) Free {
	free := Free{
		Cores:       node.Resources.Cores,
		MemoryBytes: node.Resources.MemoryBytes,
		FreeGPUs:    make(map[int]bool, len(node.Resources.GPUs)),
	}
	for _, gpu := range node.Resources.GPUs {
		free.FreeGPUs[gpu.Index] = true
	}

	for _, task := range tasksOnNode {
		if holdsResources(task.Status) {
			free.Cores -= task.Request.Cores
			free.MemoryBytes -= task.Request.MemoryBytes
			for _, idx := range task.Request.GPUIndices {
				free.FreeGPUs[idx] = false
			}
		}
	}
	return free
}

// holdsResources reports whether a task in this status still occupies the
// resources it was admitted with.
func holdsResources(status types.TaskStatus) bool {
	switch status {
	case types.TaskStatusAssigning, types.TaskStatusAssigningDispatched,
		types.TaskStatusRunning, types.TaskStatusPaused, types.TaskStatusKilling:
		return true
	default:
		return false
	}
}

// Fits reports whether req can be satisfied by free, including an exact-set
// match on requested GPU indices (a task requesting GPUs [0,1] requires both
// 0 and 1 to be free on this node; partial satisfaction is not a fit) and,
// when req.NUMANode is set, that the node declares that NUMA node at all.
func Fits(node *types.Node, free Free, req types.ResourceRequest) bool {
	if free.Cores < req.Cores {
		return false
	}
	if free.MemoryBytes < req.MemoryBytes {
		return false
	}
	for _, idx := range req.GPUIndices {
		if !free.FreeGPUs[idx] {
			return false
		}
	}
	if req.NUMANode != nil {
		found := false
		for _, n := range node.Resources.NUMANodes {
			if n.Index == *req.NUMANode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Candidate pairs a node with its currently free capacity, as computed by
// the caller via Available.
type Candidate struct {
	Node *types.Node
	Free Free
}

// SelectTarget picks the best-fit node among candidates for req: the
// candidate with the most free cores wins, ties broken by lexicographically
// smaller hostname for determinism. Candidates that do not fit req are
// ignored. Returns nil if no candidate fits.
func SelectTarget(candidates []Candidate, req types.ResourceRequest) *types.Node {
	var fitting []Candidate
	for _, c := range candidates {
		if c.Node.Status != types.NodeStatusOnline {
			continue
		}
		if Fits(c.Node, c.Free, req) {
			fitting = append(fitting, c)
		}
	}
	if len(fitting) == 0 {
		return nil
	}

	sort.Slice(fitting, func(i, j int) bool {
		if fitting[i].Free.Cores != fitting[j].Free.Cores {
			return fitting[i].Free.Cores > fitting[j].Free.Cores
		}
		return fitting[i].Node.Hostname < fitting[j].Node.Hostname
	})

	return fitting[0].Node
}

// BuildCandidates is a convenience helper that computes Available for every
// node given the full task set, grouping tasks by node in a single pass.
func BuildCandidates(nodes []*types.Node, allTasks []*types.Task) []Candidate {
	byNode := make(map[string][]*types.Task, len(nodes))
	for _, task := range allTasks {
		if task.NodeHostname == "" {
			continue
		}
		byNode[task.NodeHostname] = append(byNode[task.NodeHostname], task)
	}

	candidates := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		candidates = append(candidates, Candidate{
			Node: node,
			Free: Available(node, byNode[node.Hostname]),
		})
	}
	return candidates
}

// MatchesSelector reports whether node's labels satisfy every key/value pair
// in selector. An empty selector matches every node.
func MatchesSelector(node *types.Node, selector map[string]string) bool {
	if len(selector) == 0 {
		return true
	}
	labels := nodeLabels(node)
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// nodeLabels derives the matchable label set for a node. Hostname is always
// exposed as a label so selectors can pin to a single node by name.
func nodeLabels(node *types.Node) map[string]string {
	return map[string]string{
		"hostname": node.Hostname,
	}
}
