package scheduler

import (
	"context"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Dispatcher sends lifecycle commands to the Runner that owns a task. The
// Host's concrete implementation talks the Runner HTTP API (§6); tests use
// a fake.
type Dispatcher interface {
	// Dispatch asks node to start task. A non-nil error means the Runner
	// could not be reached or rejected the task outright.
	Dispatch(ctx context.Context, node *types.Node, task *types.Task) error

	// Kill asks node to terminate task.
	Kill(ctx context.Context, node *types.Node, task *types.Task) error

	// Pause asks node to pause task (vps tasks only).
	Pause(ctx context.Context, node *types.Node, task *types.Task) error

	// Resume asks node to resume a previously paused task.
	Resume(ctx context.Context, node *types.Node, task *types.Task) error
}
