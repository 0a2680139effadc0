// Package api implements the Host and Runner HTTP surfaces (spec.md §6):
// node registration/heartbeat, task submission/control/status reporting,
// the Runner dispatch API, and the tunnel WebSocket upgrade endpoint. It
// also provides the Host-side client used to reach a Runner, implementing
// pkg/scheduler.Dispatcher and pkg/tunnel.StreamDialer, and the Runner-side
// client implementing pkg/runner.StatusReporter.
package api

import (
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// NodeInfo is what a Runner presents when registering with the Host.
type NodeInfo struct {
	Hostname  string               `json:"hostname"`
	Address   string                `json:"address"`
	Port      int                   `json:"port"`
	Resources types.NodeResources   `json:"resources"`
}

// NodeConfig is the Host's reply to a successful registration.
type NodeConfig struct {
	Hostname          string `json:"hostname"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// Utilization is the body of a Runner's periodic heartbeat.
type Utilization struct {
	types.NodeUtilization
}

// TaskSubmission is the body of POST /tasks on the Host.
type TaskSubmission struct {
	Type          types.TaskType          `json:"type"`
	UserID        string                  `json:"user_id"`
	Request       types.ResourceRequest   `json:"request"`
	Image         string                  `json:"image"`
	Command       []string                `json:"command,omitempty"`
	Env           map[string]string       `json:"env,omitempty"`
	Target        types.Target            `json:"target"`
	WantOverlayIP bool                    `json:"want_overlay_ip,omitempty"`
}

// TaskSubmissionResult is the reply to a successful POST /tasks.
type TaskSubmissionResult struct {
	TaskID int64           `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

// TaskView is the reply to GET /tasks/{id}: the full task record as the
// Host currently sees it.
type TaskView struct {
	*types.Task
}

// TaskStatusUpdate is the body a Runner posts to
// POST /tasks/{id}/status to report a lifecycle transition.
type TaskStatusUpdate struct {
	RunnerHostname  string           `json:"runner_hostname"`
	ExpectedCurrent types.TaskStatus `json:"expected_current"`
	Next            types.TaskStatus `json:"next"`
	ExitCode        int              `json:"exit_code,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// TaskDispatch is the body the Host posts to a Runner's POST /tasks (and
// POST /vps/create/{id}) to hand it a task to run.
type TaskDispatch struct {
	Task                 *types.Task `json:"task"`
	TunnelClientHostPath string      `json:"tunnel_client_host_path"`
}

// Ack is the generic {"ok": true} success reply for control endpoints.
type Ack struct {
	OK bool `json:"ok"`
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	// CurrentStatus is not set by the servers in this package: a 409
	// state-conflict body carries only Error, whose text names the status
	// the store found when the conflict came from its compare-and-set.
	CurrentStatus types.TaskStatus `json:"current_status,omitempty"`
}
