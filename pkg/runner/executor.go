package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/runtime"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// TunnelClientPath is where the tunnel-client binary is bind-mounted,
// read-only, inside every container this Runner starts.
const TunnelClientPath = "/kohakuriver/tunnel-client"

// StatusReporter delivers a task's lifecycle transition back to the Host.
// The Runner's production implementation posts it over the Host HTTP API;
// tests substitute a fake.
type StatusReporter interface {
	ReportStatus(ctx context.Context, taskID int64, runnerHostname string, expectedCurrent, next types.TaskStatus, exitCode int, errMsg string) error
}

// Config configures an Executor.
type Config struct {
	Hostname      string           // this Runner's registered hostname
	DataDir       string           // per-task stdout/stderr logs live under DataDir/logs
	TunnelBaseURL string           // advertised to containers as tunnel.EnvTunnelURL
	NUMANodes     []types.NUMANode // declared topology, for NUMA-pinned requests
}

// Executor is the Runner's task and vps lifecycle manager: it turns a
// dispatched Task into a running container, injects the tunnel client,
// supervises it to completion, and reports terminal transitions back to
// the Host.
type Executor struct {
	cfg      Config
	rt       *runtime.Runtime
	vault    *Vault
	reporter StatusReporter
	logger   zerolog.Logger

	mu          sync.Mutex
	supervising map[int64]context.CancelFunc
}

// NewExecutor builds an Executor. The Runner-local path to the
// tunnel-client binary is not configured here; Dispatch takes it per task.
func NewExecutor(cfg Config, rt *runtime.Runtime, vault *Vault, reporter StatusReporter) *Executor {
	return &Executor{
		cfg:         cfg,
		rt:          rt,
		vault:       vault,
		reporter:    reporter,
		logger:      log.WithComponent("runner-executor"),
		supervising: make(map[int64]context.CancelFunc),
	}
}

// Dispatch accepts a newly assigned task, launches its container, persists
// a vault record, and starts supervising it. tunnelClientHostPath is the
// Runner-local path to the tunnel-client binary, bind-mounted into the
// container. Errors returned here leave the task undispatched from the
// Runner's point of view; the Host marks the task failed and does not retry.
func (e *Executor) Dispatch(ctx context.Context, task *types.Task, tunnelClientHostPath string) error {
	containerID := ContainerName(task.Type, task.ID)

	if err := e.rt.PullImage(ctx, task.Image); err != nil {
		return fmt.Errorf("runner: dispatch %d: %w", task.ID, err)
	}

	spec := e.buildSpec(task, containerID, tunnelClientHostPath)

	if err := e.rt.CreateAndStart(ctx, spec); err != nil {
		return fmt.Errorf("runner: dispatch %d: %w", task.ID, err)
	}

	blob, err := json.Marshal(task)
	if err != nil {
		e.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to marshal task for vault record")
	}
	rec := Record{
		TaskID:       task.ID,
		ContainerID:  containerID,
		Type:         task.Type,
		SSHPort:      task.SSHPort,
		ReservedIP:   task.OverlayIP,
		StartedAt:    time.Now(),
		DispatchBlob: blob,
	}
	if err := e.vault.Put(rec); err != nil {
		e.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to persist vault record")
	}

	e.Supervise(task.ID, containerID)

	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.reporter.ReportStatus(reportCtx, task.ID, e.cfg.Hostname, types.TaskStatusAssigningDispatched, types.TaskStatusRunning, 0, ""); err != nil {
		e.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to report running")
	}
	return nil
}

func (e *Executor) buildSpec(task *types.Task, containerID, tunnelClientHostPath string) runtime.ContainerSpec {
	env := make(map[string]string, len(task.Env)+2)
	for k, v := range task.Env {
		env[k] = v
	}
	env[tunnel.EnvTunnelURL] = e.cfg.TunnelBaseURL
	env[tunnel.EnvContainerID] = containerID

	var cpuset []int
	if task.Request.NUMANode != nil {
		for _, n := range e.cfg.NUMANodes {
			if n.Index == *task.Request.NUMANode {
				cpuset = n.Cores
				break
			}
		}
	}

	spec := runtime.ContainerSpec{
		ID:          containerID,
		Image:       task.Image,
		Env:         env,
		CPUCores:    task.Request.Cores,
		MemoryBytes: task.Request.MemoryBytes,
		CPUSet:      cpuset,
		GPUIndices:  task.Request.GPUIndices,
		Mounts: []runtime.Mount{
			{Source: tunnelClientHostPath, Destination: TunnelClientPath, ReadOnly: true},
		},
	}

	switch task.Type {
	case types.TaskTypeCommand:
		logPath := filepath.Join(e.cfg.DataDir, "logs", fmt.Sprintf("%d.log", task.ID))
		_ = os.MkdirAll(filepath.Dir(logPath), 0o755)
		task.StdoutPath = logPath
		task.StderrPath = logPath
		spec.StdoutPath = logPath
		spec.Command = wrapperCommand(task.Command)
	case types.TaskTypeVPS:
		spec.Command = []string{"/usr/sbin/sshd", "-D"}
		spec.PortMappings = []runtime.PortMapping{
			{HostPort: task.SSHPort, ContainerPort: 22, Protocol: "tcp"},
		}
	}
	return spec
}

// wrapperCommand daemonizes the tunnel client in the background and execs
// the user's command as the container's supervised init process, so the
// container's exit code and lifetime track the user command, not the
// tunnel client.
func wrapperCommand(userCommand []string) []string {
	quoted := make([]string, len(userCommand))
	for i, arg := range userCommand {
		quoted[i] = shellQuote(arg)
	}
	script := fmt.Sprintf("%s & exec %s", TunnelClientPath, strings.Join(quoted, " "))
	return []string{"/bin/sh", "-c", script}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Supervise starts (or restarts, after a reconcile re-adoption) the
// goroutine that waits for containerID's init process to exit and reports
// the resulting terminal status. taskID's prior supervisor, if any, is
// left running — callers must not call Supervise twice for a live task.
func (e *Executor) Supervise(taskID int64, containerID string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.supervising[taskID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.supervising, taskID)
			e.mu.Unlock()
		}()

		exitCode, waitErr := e.rt.Wait(ctx, containerID)

		select {
		case <-ctx.Done():
			// Kill() canceled us and already reported the terminal status.
			return
		default:
		}

		status := types.TaskStatusCompleted
		errMsg := ""
		if waitErr != nil || exitCode != 0 {
			status = types.TaskStatusFailed
			if waitErr != nil {
				errMsg = waitErr.Error()
			}
		}

		reportCtx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
		rerr := e.reporter.ReportStatus(reportCtx, taskID, e.cfg.Hostname, types.TaskStatusRunning, status, exitCode, errMsg)
		rcancel()
		if rerr != nil {
			e.logger.Warn().Err(rerr).Int64("task_id", taskID).Msg("failed to report terminal status")
		}

		_ = e.rt.Delete(context.Background(), containerID)
		_ = e.vault.Delete(taskID)
	}()
}

// Kill stops taskID's container (SIGTERM, then SIGKILL after a grace
// period), tears down its vault record, and reports killed. The task is
// expected to already be in the killing state on the Host by the time
// this is called.
func (e *Executor) Kill(ctx context.Context, taskID int64) error {
	rec, err := e.vault.Get(taskID)
	if err != nil {
		return fmt.Errorf("runner: kill %d: %w", taskID, err)
	}

	e.mu.Lock()
	if cancel, ok := e.supervising[taskID]; ok {
		cancel()
		delete(e.supervising, taskID)
	}
	e.mu.Unlock()

	if err := e.rt.Stop(ctx, rec.ContainerID, 10*time.Second); err != nil {
		return fmt.Errorf("runner: kill %d: %w", taskID, err)
	}
	_ = e.rt.Delete(ctx, rec.ContainerID)
	_ = e.vault.Delete(taskID)

	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.reporter.ReportStatus(reportCtx, taskID, e.cfg.Hostname, types.TaskStatusKilling, types.TaskStatusKilled, 0, "")
}

// Pause freezes taskID's container via the cgroup freezer. The Host
// performs its own state transition on success; Pause does not report
// status itself.
func (e *Executor) Pause(ctx context.Context, taskID int64) error {
	rec, err := e.vault.Get(taskID)
	if err != nil {
		return fmt.Errorf("runner: pause %d: %w", taskID, err)
	}
	if err := e.rt.Pause(ctx, rec.ContainerID); err != nil {
		return fmt.Errorf("runner: pause %d: %w", taskID, err)
	}
	return nil
}

// Resume unfreezes a previously paused container.
func (e *Executor) Resume(ctx context.Context, taskID int64) error {
	rec, err := e.vault.Get(taskID)
	if err != nil {
		return fmt.Errorf("runner: resume %d: %w", taskID, err)
	}
	if err := e.rt.Resume(ctx, rec.ContainerID); err != nil {
		return fmt.Errorf("runner: resume %d: %w", taskID, err)
	}
	return nil
}
