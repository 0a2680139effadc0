// Package storage provides BoltDB-backed persistence for the Host's node
// registry and task table.
package storage

import (
	"errors"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// ErrNotFound is returned when a lookup by key finds no record.
var ErrNotFound = errors.New("storage: not found")

// ErrCASMismatch is returned by UpdateTaskStatus when the task's current
// status does not match the expected value, signalling a concurrent
// transition the caller should not clobber.
var ErrCASMismatch = errors.New("storage: compare-and-swap mismatch")

// Store is the Host's durable state: the node registry and the task table.
// Implementations must make UpdateTaskStatus atomic with respect to
// concurrent callers so that terminal states, once reached, can never be
// overwritten.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(hostname string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(hostname string) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByNode(hostname string) ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// UpdateTaskStatus performs a compare-and-swap on a task's Status field:
	// it loads the task, verifies Status == expectedCurrent, invokes mutate
	// to apply the transition, and persists the result atomically. It
	// returns ErrCASMismatch if the stored status no longer matches
	// expectedCurrent, and never mutates a task already in a terminal state.
	UpdateTaskStatus(id int64, expectedCurrent types.TaskStatus, mutate func(task *types.Task)) error

	DeleteTask(id int64) error

	// IP reservations
	CreateIPReservation(res *types.IPReservation) error
	DeleteIPReservation(subnet, ip string) error
	ListIPReservations(subnet string) ([]*types.IPReservation, error)

	Close() error
}
