package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/health"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/runtime"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// sshReadyTimeout bounds how long a re-adopted vps task is given to answer
// its SSH port probe before the reconciler gives up waiting and moves on;
// the probe result itself is advisory (logged), it does not fail adoption.
const sshReadyTimeout = 30 * time.Second

// Reconciler runs once at Runner startup, before the Runner accepts new
// dispatches, re-adopting containers that survived the restart and
// cleaning up everything else.
type Reconciler struct {
	rt       *runtime.Runtime
	vault    *Vault
	exec     *Executor
	tunnel   *tunnel.Server
	reporter StatusReporter
	logger   zerolog.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(rt *runtime.Runtime, vault *Vault, exec *Executor, tunnelServer *tunnel.Server, reporter StatusReporter) *Reconciler {
	return &Reconciler{
		rt:       rt,
		vault:    vault,
		exec:     exec,
		tunnel:   tunnelServer,
		reporter: reporter,
		logger:   log.WithComponent("runner-reconciler"),
	}
}

// Run enumerates every container under this Runner's naming convention and
// re-adopts, discards, or reports each one per its vault record and live
// containerd state. It must complete before the Runner is published as
// ready to receive new dispatches, to avoid double-scheduling a task that
// is already running here.
func (rc *Reconciler) Run(ctx context.Context) error {
	names, err := rc.rt.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("runner: reconcile: %w", err)
	}

	records, err := rc.vault.List()
	if err != nil {
		return fmt.Errorf("runner: reconcile: load vault: %w", err)
	}
	byContainer := make(map[string]Record, len(records))
	for _, rec := range records {
		byContainer[rec.ContainerID] = rec
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		taskID, taskType, prefixMatched, ok := ParseContainerName(name)
		if !prefixMatched {
			continue // not one of ours; containerd may host other namespaces' workloads elsewhere, but this is Namespace-scoped already
		}
		seen[name] = true
		if !ok {
			rc.logger.Warn().Str("container", name).Msg("reconcile: container matches naming convention but id is unparseable, treating as orphan")
			_ = rc.rt.Delete(ctx, name)
			continue
		}

		rec, known := byContainer[name]
		state, exitCode, err := rc.rt.Status(ctx, name)
		if err != nil {
			rc.logger.Warn().Err(err).Str("container", name).Msg("reconcile: failed to inspect container, skipping")
			continue
		}

		switch {
		case !known:
			rc.logger.Warn().Str("container", name).Msg("reconcile: orphan container with no vault record, removing")
			_ = rc.rt.Delete(ctx, name)

		case state == runtime.StateRunning || state == runtime.StatePaused:
			rc.readopt(ctx, rec, taskID, taskType)

		default:
			rc.reportDead(ctx, rec, taskID, exitCode)
		}
	}

	// Vault records with no matching container at all (containerd lost the
	// container entirely, e.g. a hard crash mid-create) are reported failed
	// too, then dropped.
	for _, rec := range records {
		if seen[rec.ContainerID] {
			continue
		}
		rc.logger.Warn().Str("container", rec.ContainerID).Msg("reconcile: vault record with no matching container, reporting failed")
		rc.reportDead(ctx, rec, rec.TaskID, -1)
	}

	return nil
}

func (rc *Reconciler) readopt(ctx context.Context, rec Record, taskID int64, taskType types.TaskType) {
	rc.logger.Info().Int64("task_id", taskID).Str("container", rec.ContainerID).Msg("reconcile: re-adopting running container")
	rc.exec.Supervise(taskID, rec.ContainerID)

	if taskType == types.TaskTypeVPS && rec.SSHPort != 0 {
		go rc.probeSSHReady(rec)
	}
}

// probeSSHReady waits for the re-adopted vps container's SSH port to
// accept connections again, logging the outcome. It does not mutate task
// state: SSH readiness is a liveness signal for operators, not part of the
// task state machine.
func (rc *Reconciler) probeSSHReady(rec Record) {
	checker := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", rec.SSHPort)).WithTimeout(5 * time.Second)

	deadline := time.Now().Add(sshReadyTimeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result := checker.Check(ctx)
		cancel()
		if result.Healthy {
			rc.logger.Info().Int64("task_id", rec.TaskID).Int("ssh_port", rec.SSHPort).Msg("reconcile: vps SSH port ready")
			return
		}
		time.Sleep(2 * time.Second)
	}
	rc.logger.Warn().Int64("task_id", rec.TaskID).Int("ssh_port", rec.SSHPort).Msg("reconcile: vps SSH port did not become ready in time")
}

func (rc *Reconciler) reportDead(ctx context.Context, rec Record, taskID int64, exitCode int) {
	status := types.TaskStatusCompleted
	if exitCode != 0 {
		status = types.TaskStatusFailed
	}

	reportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rc.reporter.ReportStatus(reportCtx, taskID, rc.exec.cfg.Hostname, types.TaskStatusRunning, status, exitCode, "container exited while runner was restarting"); err != nil {
		rc.logger.Warn().Err(err).Int64("task_id", taskID).Msg("reconcile: failed to report dead container")
	}

	_ = rc.rt.Delete(ctx, rec.ContainerID)
	_ = rc.vault.Delete(taskID)
}
