// Package scheduler admits task submissions, resolves a placement target,
// dispatches the task to the chosen Runner, and carries it through its
// lifecycle based on Runner-reported status and client control operations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/accountant"
	"github.com/kohakuriver/kohakuriver/pkg/idgen"
	"github.com/kohakuriver/kohakuriver/pkg/ipalloc"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// assigningTimeout bounds how long a task may sit in TaskStatusAssigning or
// TaskStatusAssigningDispatched without a confirming "running" report
// before the reaper fails it outright.
const assigningTimeout = 2 * time.Minute

// reapInterval is how often the Scheduler sweeps for stuck-assigning tasks.
const reapInterval = 15 * time.Second

var (
	// ErrValidation indicates a malformed or incomplete submission.
	ErrValidation = errors.New("scheduler: validation failed")
	// ErrNoResources indicates no Runner currently has capacity for the request.
	ErrNoResources = errors.New("scheduler: no node satisfies the resource request")
	// ErrStateConflict indicates the requested transition does not apply to
	// the task's current status.
	ErrStateConflict = errors.New("scheduler: task is not in a state that allows this operation")
	// ErrWrongRunner indicates a status update was reported by a Runner
	// other than the one the task is assigned to.
	ErrWrongRunner = errors.New("scheduler: status update source does not match the task's assigned node")
)

// Scheduler is the Host's task lifecycle authority.
type Scheduler struct {
	store      storage.Store
	registry   *registry.Registry
	dispatcher Dispatcher
	ids        *idgen.Generator
	logger     zerolog.Logger

	requireApproval bool
	overlaySubnet   string
	ipAlloc         *ipalloc.Manager
	sshAlloc        *ipalloc.SSHPortAllocator

	mu     sync.Mutex
	stopCh chan struct{}
}

// Config controls Scheduler admission policy.
type Config struct {
	// RequireApproval sends every submission to pending_approval instead of
	// dispatching immediately.
	RequireApproval bool

	// OverlaySubnet is the CIDR a task's WantOverlayIP request is allocated
	// from. Empty disables overlay IP allocation entirely.
	OverlaySubnet string

	// IPAlloc and SSHAlloc are nil-able: a Host that runs with overlay
	// networking or vps tasks disabled need not construct them.
	IPAlloc  *ipalloc.Manager
	SSHAlloc *ipalloc.SSHPortAllocator
}

// New creates a Scheduler. nodeID seeds the snowflake id generator and must
// be unique per Host process (always 0 for the single-coordinator design,
// kept as a parameter so a future multi-Host deployment is not a breaking
// change).
func New(store storage.Store, reg *registry.Registry, dispatcher Dispatcher, nodeID int64, cfg Config) (*Scheduler, error) {
	gen, err := idgen.NewGenerator(nodeID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{
		store:           store,
		registry:        reg,
		dispatcher:      dispatcher,
		ids:             gen,
		logger:          log.WithComponent("scheduler"),
		requireApproval: cfg.RequireApproval,
		overlaySubnet:   cfg.OverlaySubnet,
		ipAlloc:         cfg.IPAlloc,
		sshAlloc:        cfg.SSHAlloc,
		stopCh:          make(chan struct{}),
	}, nil
}

// Start begins the background stuck-assigning reaper.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the reaper.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapStuckAssigning()
		case <-s.stopCh:
			return
		}
	}
}

// Submit validates and admits a new task submission, assigning it a
// snowflake id. Submissions with RequireApproval go to pending_approval;
// otherwise the task is dispatched immediately.
func (s *Scheduler) Submit(task *types.Task) (*types.Task, error) {
	if err := validate(task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	task.ID = s.ids.Next()
	task.SubmittedAt = time.Now()

	if task.Type == types.TaskTypeVPS && s.sshAlloc != nil && task.SSHPort == 0 {
		port, err := s.sshAlloc.Allocate(task.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoResources, err)
		}
		task.SSHPort = port
	}

	if task.WantOverlayIP && s.ipAlloc != nil {
		ip, err := s.ipAlloc.Allocate(s.overlaySubnet, task.ID)
		if err != nil {
			if task.SSHPort != 0 && s.sshAlloc != nil {
				s.sshAlloc.Release(task.SSHPort)
			}
			return nil, fmt.Errorf("%w: %v", ErrNoResources, err)
		}
		task.OverlayIP = ip
	}

	if s.requireApproval {
		task.Status = types.TaskStatusPendingApproval
		task.Approved = false
	} else {
		task.Status = types.TaskStatusPending
		task.Approved = true
	}

	if err := s.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("scheduler: create task: %w", err)
	}

	s.logger.Info().Int64("task_id", task.ID).Str("status", string(task.Status)).Msg("task submitted")

	if task.Status == types.TaskStatusPending {
		go s.dispatch(task.ID)
	}
	return task, nil
}

func validate(task *types.Task) error {
	if task.Type != types.TaskTypeCommand && task.Type != types.TaskTypeVPS {
		return fmt.Errorf("unknown task type %q", task.Type)
	}
	if task.Image == "" {
		return fmt.Errorf("image is required")
	}
	if task.Request.Cores <= 0 {
		return fmt.Errorf("cores must be positive")
	}
	if task.Request.MemoryBytes <= 0 {
		return fmt.Errorf("memory_bytes must be positive")
	}
	if task.Type == types.TaskTypeCommand && len(task.Command) == 0 {
		return fmt.Errorf("command is required for command tasks")
	}
	return nil
}

// releaseReservations returns task's SSH port and overlay IP (if any) to
// their allocators. Safe to call on a task with no reservations; release is
// a no-op for an unreserved port/IP. Must run exactly once per task's
// terminal transition, from whichever path reaches it first (failTask,
// ReportStatus, Reject, or Kill). The monitor's lost-marking does not call
// it; the monitor releases a lost task's reservations itself.
func (s *Scheduler) releaseReservations(task *types.Task) {
	if task.SSHPort != 0 && s.sshAlloc != nil {
		s.sshAlloc.Release(task.SSHPort)
	}
	if task.OverlayIP != "" && s.ipAlloc != nil {
		s.ipAlloc.Release(s.overlaySubnet, task.OverlayIP)
	}
}

// GetTask returns the current state of taskID as the Host sees it.
func (s *Scheduler) GetTask(taskID int64) (*types.Task, error) {
	return s.store.GetTask(taskID)
}

// Approve moves a pending_approval task to pending and dispatches it.
func (s *Scheduler) Approve(taskID int64) error {
	err := s.store.UpdateTaskStatus(taskID, types.TaskStatusPendingApproval, func(t *types.Task) {
		t.Status = types.TaskStatusPending
		t.Approved = true
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}
	go s.dispatch(taskID)
	return nil
}

// Reject moves a pending_approval task to the terminal rejected state.
func (s *Scheduler) Reject(taskID int64) error {
	var rejected types.Task
	err := s.store.UpdateTaskStatus(taskID, types.TaskStatusPendingApproval, func(t *types.Task) {
		t.Status = types.TaskStatusRejected
		t.FinishedAt = time.Now()
		rejected = *t
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}
	s.releaseReservations(&rejected)
	return nil
}

// dispatch resolves a target for task and hands it to the chosen Runner.
// It is invoked in its own goroutine by Submit/Approve so callers are not
// blocked on node selection or the outbound Runner call.
func (s *Scheduler) dispatch(taskID int64) {
	timer := metrics.NewTimer()
	logger := s.logger.With().Int64("task_id", taskID).Logger()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("dispatch: task vanished")
		return
	}

	node, err := s.resolveTarget(task)
	if err != nil {
		metrics.TasksDispatchFailed.WithLabelValues("no_resources").Inc()
		s.failTask(taskID, types.TaskStatusPending, types.TaskStatusFailed, fmt.Sprintf("no target found: %v", err))
		logger.Warn().Err(err).Msg("dispatch: no target resolved")
		return
	}

	err = s.store.UpdateTaskStatus(taskID, types.TaskStatusPending, func(t *types.Task) {
		t.Status = types.TaskStatusAssigning
		t.NodeHostname = node.Hostname
	})
	if err != nil {
		logger.Error().Err(err).Msg("dispatch: failed to mark assigning")
		return
	}

	err = s.store.UpdateTaskStatus(taskID, types.TaskStatusAssigning, func(t *types.Task) {
		t.Status = types.TaskStatusAssigningDispatched
	})
	if err != nil {
		logger.Error().Err(err).Msg("dispatch: failed to mark assigning_dispatched")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	task.NodeHostname = node.Hostname
	if err := s.dispatcher.Dispatch(ctx, node, task); err != nil {
		metrics.TasksDispatchFailed.WithLabelValues("runner_unreachable").Inc()
		s.failTask(taskID, types.TaskStatusAssigningDispatched, types.TaskStatusFailed, fmt.Sprintf("dispatch to %s failed: %v", node.Hostname, err))
		logger.Error().Err(err).Str("node_hostname", node.Hostname).Msg("dispatch call failed")
		return
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksDispatched.Inc()
	logger.Info().Str("node_hostname", node.Hostname).Msg("task dispatched")
}

// resolveTarget turns task.Target into a concrete node. An explicit
// hostname is used as-is (after checking it is online and fits); a
// selector or AnyPool request picks the best-fit candidate via
// pkg/accountant.
func (s *Scheduler) resolveTarget(task *types.Task) (*types.Node, error) {
	nodes, err := s.registry.List()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	allTasks, err := s.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	candidates := accountant.BuildCandidates(nodes, allTasks)

	if task.Target.Hostname != "" {
		for _, c := range candidates {
			if c.Node.Hostname == task.Target.Hostname {
				if c.Node.Status != types.NodeStatusOnline || !accountant.Fits(c.Node, c.Free, task.Request) {
					return nil, fmt.Errorf("%w: node %s cannot fit request", ErrNoResources, task.Target.Hostname)
				}
				return c.Node, nil
			}
		}
		return nil, fmt.Errorf("%w: node %s not found", ErrNoResources, task.Target.Hostname)
	}

	if len(task.Target.Selector) > 0 {
		var filtered []accountant.Candidate
		for _, c := range candidates {
			if accountant.MatchesSelector(c.Node, task.Target.Selector) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	node := accountant.SelectTarget(candidates, task.Request)
	if node == nil {
		return nil, ErrNoResources
	}
	return node, nil
}

// failTask transitions a task to targetStatus from expectedCurrent,
// recording reason. It is a no-op (beyond logging) if the CAS no longer
// applies, since a concurrent ReportStatus may have already resolved the
// task. targetStatus is ordinarily TaskStatusFailed; ReconcileStuckAssigning,
// which reconciles a Host restart, passes TaskStatusLost instead, so a task's
// terminal status reflects who or what ended it.
func (s *Scheduler) failTask(taskID int64, expectedCurrent, targetStatus types.TaskStatus, reason string) {
	var failed types.Task
	err := s.store.UpdateTaskStatus(taskID, expectedCurrent, func(t *types.Task) {
		t.Status = targetStatus
		t.Error = reason
		t.FinishedAt = time.Now()
		failed = *t
	})
	if err != nil {
		s.logger.Debug().Err(err).Int64("task_id", taskID).Msg("failTask: CAS did not apply")
		return
	}
	s.releaseReservations(&failed)
}

// ReportStatus applies a Runner-reported status transition. Runners only
// report forward transitions (running, completed, failed, killed); the
// Host trusts the reported expectedCurrent because the Runner is the
// sole authority over the task's actual container state. runnerHostname
// must match the task's assigned node, per §4.F.4; a mismatch is rejected
// without touching the task, since it indicates either a stale Runner or
// a task reassigned out from under it.
func (s *Scheduler) ReportStatus(taskID int64, runnerHostname string, expectedCurrent, next types.TaskStatus, exitCode int, errMsg string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.NodeHostname != runnerHostname {
		return fmt.Errorf("%w: task is assigned to %q, update came from %q", ErrWrongRunner, task.NodeHostname, runnerHostname)
	}

	var updated types.Task
	err = s.store.UpdateTaskStatus(taskID, expectedCurrent, func(t *types.Task) {
		t.Status = next
		t.ExitCode = exitCode
		t.Error = errMsg
		if next == types.TaskStatusRunning && t.StartedAt.IsZero() {
			t.StartedAt = time.Now()
		}
		if next.Terminal() {
			t.FinishedAt = time.Now()
		}
		updated = *t
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}
	if next.Terminal() {
		s.releaseReservations(&updated)
	}
	return nil
}

// Kill asks the owning Runner to terminate a running or paused task.
func (s *Scheduler) Kill(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusRunning && task.Status != types.TaskStatusPaused {
		return fmt.Errorf("%w: task is %s", ErrStateConflict, task.Status)
	}
	current := task.Status

	node, err := s.registry.Get(task.NodeHostname)
	if err != nil {
		return fmt.Errorf("scheduler: kill: %w", err)
	}

	// The task is moved to killing before the Runner is asked, so the
	// Runner's own killing -> killed report finds it there.
	if err := s.store.UpdateTaskStatus(taskID, current, func(t *types.Task) {
		t.Status = types.TaskStatusKilling
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}

	if err := s.dispatcher.Kill(ctx, node, task); err != nil {
		// Best-effort: the user's intent to kill is definitive regardless of
		// whether the Runner could be reached. The Runner is not told: a
		// container that is still running keeps running (its startup
		// reconciler re-adopts it), and its later status reports are
		// rejected because the task is already terminal here.
		s.logger.Warn().Err(err).Int64("task_id", taskID).Msg("kill: runner unreachable, marking killed regardless (best-effort)")
		var killed types.Task
		casErr := s.store.UpdateTaskStatus(taskID, types.TaskStatusKilling, func(t *types.Task) {
			t.Status = types.TaskStatusKilled
			t.Error = fmt.Sprintf("kill dispatch failed, marked killed best-effort: %v", err)
			t.FinishedAt = time.Now()
			killed = *t
		})
		if casErr != nil {
			return fmt.Errorf("%w: %v", ErrStateConflict, casErr)
		}
		s.releaseReservations(&killed)
		return nil
	}
	return nil
}

// Pause asks the owning Runner to pause a running vps task.
func (s *Scheduler) Pause(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Type != types.TaskTypeVPS {
		return fmt.Errorf("%w: only vps tasks may be paused", ErrStateConflict)
	}
	if task.Status != types.TaskStatusRunning {
		return fmt.Errorf("%w: task is %s", ErrStateConflict, task.Status)
	}

	node, err := s.registry.Get(task.NodeHostname)
	if err != nil {
		return fmt.Errorf("scheduler: pause: %w", err)
	}
	if err := s.dispatcher.Pause(ctx, node, task); err != nil {
		return fmt.Errorf("scheduler: pause dispatch: %w", err)
	}

	return s.store.UpdateTaskStatus(taskID, types.TaskStatusRunning, func(t *types.Task) {
		t.Status = types.TaskStatusPaused
	})
}

// Resume asks the owning Runner to resume a paused vps task.
func (s *Scheduler) Resume(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusPaused {
		return fmt.Errorf("%w: task is %s", ErrStateConflict, task.Status)
	}

	node, err := s.registry.Get(task.NodeHostname)
	if err != nil {
		return fmt.Errorf("scheduler: resume: %w", err)
	}
	if err := s.dispatcher.Resume(ctx, node, task); err != nil {
		return fmt.Errorf("scheduler: resume dispatch: %w", err)
	}

	return s.store.UpdateTaskStatus(taskID, types.TaskStatusPaused, func(t *types.Task) {
		t.Status = types.TaskStatusRunning
	})
}

// reapStuckAssigning fails any task that has sat in assigning or
// assigning_dispatched past assigningTimeout without a confirming report,
// per the resolved Open Question on bounding that window.
func (s *Scheduler) reapStuckAssigning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.ListTasks()
	if err != nil {
		s.logger.Error().Err(err).Msg("reap: list tasks failed")
		return
	}

	now := time.Now()
	for _, task := range tasks {
		if task.Status != types.TaskStatusAssigning && task.Status != types.TaskStatusAssigningDispatched {
			continue
		}
		if now.Sub(task.SubmittedAt) < assigningTimeout {
			continue
		}
		s.logger.Warn().Int64("task_id", task.ID).Msg("task stuck in assigning, failing")
		s.failTask(task.ID, task.Status, types.TaskStatusFailed, "assigning timeout exceeded")
	}
}

// ReconcileStuckAssigning marks any task left in assigning or
// assigning_dispatched from before a Host restart as lost, identically to
// the handling applied to Runner-death tasks (§4 supplemented feature):
// the Host cannot know whether dispatch reached the Runner before the
// crash, so the task's fate is unknown rather than a definite failure.
func (s *Scheduler) ReconcileStuckAssigning() error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("scheduler: reconcile: %w", err)
	}
	for _, task := range tasks {
		if task.Status == types.TaskStatusAssigning || task.Status == types.TaskStatusAssigningDispatched {
			s.failTask(task.ID, task.Status, types.TaskStatusLost, "host restarted while task was assigning")
		}
	}
	return nil
}
