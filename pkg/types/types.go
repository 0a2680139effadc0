// Package types defines the core data structures shared by the Host and
// Runner: nodes, tasks, resource requests, and the overlay IP reservations
// bound to a task's lifetime.
package types

import (
	"time"
)

// NodeStatus represents the current state of a Runner node as seen by the Host.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// GPU describes a single GPU device as declared by a Runner at registration.
type GPU struct {
	Index      int // declared GPU index, used for scheduling match and pinning
	Name       string
	MemoryMiB  int64
	UUID       string
	PCIAddress string
}

// GPUUtilization is the live utilization sample for one declared GPU.
type GPUUtilization struct {
	Index          int
	UtilizationPct float64
	MemoryUsedMiB  int64
}

// NUMANode describes one NUMA node's declared CPU core set.
type NUMANode struct {
	Index int
	Cores []int
}

// NodeResources is the declared total capacity of a Runner.
type NodeResources struct {
	Cores       int
	MemoryBytes int64
	NUMANodes   []NUMANode
	GPUs        []GPU
}

// NodeUtilization is the live sample a Runner reports on every heartbeat.
type NodeUtilization struct {
	CPUPercent float64
	MemoryUsed int64
	GPUs       []GPUUtilization
}

// Node is a Runner as tracked by the Host's node registry. Hostname is the
// primary identity and is unique across the cluster.
type Node struct {
	Hostname      string
	Address       string
	Port          int
	Resources     NodeResources
	Utilization   NodeUtilization
	Status        NodeStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// TaskType distinguishes one-shot command tasks from long-lived VPS sessions.
type TaskType string

const (
	TaskTypeCommand TaskType = "command"
	TaskTypeVPS     TaskType = "vps"
)

// TaskStatus is the authoritative task state machine described in spec §3.
type TaskStatus string

const (
	TaskStatusPending             TaskStatus = "pending"
	TaskStatusPendingApproval     TaskStatus = "pending_approval"
	TaskStatusAssigning           TaskStatus = "assigning"
	TaskStatusAssigningDispatched TaskStatus = "assigning_dispatched" // internal, guards against double-dispatch
	TaskStatusRunning             TaskStatus = "running"
	TaskStatusPaused              TaskStatus = "paused"
	TaskStatusKilling             TaskStatus = "killing"
	TaskStatusKilled              TaskStatus = "killed"
	TaskStatusCompleted           TaskStatus = "completed"
	TaskStatusFailed              TaskStatus = "failed"
	TaskStatusLost                TaskStatus = "lost"
	TaskStatusRejected            TaskStatus = "rejected"
	TaskStatusCanceled            TaskStatus = "canceled"
)

// Terminal reports whether s is one of the task state machine's terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusKilled, TaskStatusLost, TaskStatusRejected, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// ResourceRequest is the resource ask attached to a task submission.
type ResourceRequest struct {
	Cores       int
	MemoryBytes int64
	GPUIndices  []int // nil or empty means no GPU requested
	NUMANode    *int  // nil means no NUMA affinity requested
}

// Target describes how a submission resolves to a candidate node: an
// explicit hostname, a label/predicate selector, or "any node from the
// approved pool". Exactly one field is meaningfully set.
type Target struct {
	Hostname string
	Selector map[string]string // matched against node labels
	AnyPool  bool
}

// Task is a unit of work scheduled onto exactly one Runner.
type Task struct {
	ID           int64 // snowflake, see pkg/idgen
	Type         TaskType
	UserID       string
	SubmittedAt  time.Time
	NodeHostname string // empty until assigned
	Target       Target // placement request; consulted only during dispatch
	Request      ResourceRequest
	Image        string
	Command      []string // command tasks only
	Env          map[string]string
	SSHPort       int    // vps tasks only; 0 until allocated
	WantOverlayIP bool   // submission-time request flag; not meaningful after admission
	OverlayIP     string // empty if not reserved
	Status       TaskStatus
	Approved     bool
	ExitCode     int
	Error        string
	StdoutPath   string
	StderrPath   string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// IPReservation binds one overlay IP out of Subnet to a task for the task's
// lifetime; released on terminal transition.
type IPReservation struct {
	Subnet string
	IP     string
	TaskID int64
}
