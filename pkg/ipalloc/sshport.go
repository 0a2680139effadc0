package ipalloc

import (
	"fmt"
	"sync"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// SSHPortAllocator hands out unique SSH proxy ports out of a fixed range
// for vps tasks, ensuring uniqueness across all non-terminal vps tasks per
// spec invariant 3. One port is bound to one task for the task's lifetime.
type SSHPortAllocator struct {
	min, max int

	mu        sync.Mutex
	allocated map[int]int64 // port -> task id
	next      int           // next candidate port to try, wraps within [min, max]
}

// NewSSHPortAllocator creates an allocator over the inclusive range
// [min, max].
func NewSSHPortAllocator(min, max int) (*SSHPortAllocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("ipalloc: invalid ssh port range [%d, %d]", min, max)
	}
	return &SSHPortAllocator{
		min:       min,
		max:       max,
		allocated: make(map[int]int64),
		next:      min,
	}, nil
}

// Allocate reserves the next free port in the configured range for taskID.
func (a *SSHPortAllocator) Allocate(taskID int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i <= a.max-a.min; i++ {
		port := a.min + (a.next-a.min+i)%(a.max-a.min+1)
		if _, taken := a.allocated[port]; !taken {
			a.allocated[port] = taskID
			a.next = port + 1
			return port, nil
		}
	}
	return 0, fmt.Errorf("ipalloc: ssh port range [%d, %d] exhausted", a.min, a.max)
}

// Release returns port to the free pool. No-op if it was not reserved.
func (a *SSHPortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// Rebuild replays SSH port reservations still held by non-terminal vps
// tasks, mirroring Manager.Rebuild for overlay IPs. Must run once at Host
// startup before any new Allocate call.
func (a *SSHPortAllocator) Rebuild(tasks []*types.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tasks {
		if t.Status.Terminal() || t.Type != types.TaskTypeVPS || t.SSHPort == 0 {
			continue
		}
		a.allocated[t.SSHPort] = t.ID
	}
}
