// Package monitor runs the Host's dead-Runner detection loop: it watches
// node heartbeats and, when a node goes silent past the heartbeat timeout,
// marks it offline and marks the tasks it was holding lost.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/ipalloc"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// interval is how often the monitor sweeps for stale nodes.
const interval = 10 * time.Second

// Monitor periodically marks unresponsive Runner nodes offline and
// transitions their in-flight tasks to the terminal lost status; lost
// tasks are not reassigned.
type Monitor struct {
	registry      *registry.Registry
	store         storage.Store
	overlaySubnet string
	ipAlloc       *ipalloc.Manager
	sshAlloc      *ipalloc.SSHPortAllocator
	logger        zerolog.Logger
	mu            sync.Mutex
	stopCh        chan struct{}
}

// Config supplies the optional reservation allocators a lost task's SSH
// port and overlay IP must be returned to. Both may be nil on a Host that
// runs without overlay networking or vps tasks.
type Config struct {
	OverlaySubnet string
	IPAlloc       *ipalloc.Manager
	SSHAlloc      *ipalloc.SSHPortAllocator
}

// New creates a Monitor backed by reg and store.
func New(reg *registry.Registry, store storage.Store, cfg Config) *Monitor {
	return &Monitor{
		registry:      reg,
		store:         store,
		overlaySubnet: cfg.OverlaySubnet,
		ipAlloc:       cfg.IPAlloc,
		sshAlloc:      cfg.SSHAlloc,
		logger:        log.WithComponent("monitor"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the monitor loop in a background goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Msg("monitor started")

	for {
		select {
		case <-ticker.C:
			if err := m.sweep(); err != nil {
				m.logger.Error().Err(err).Msg("sweep failed")
			}
		case <-m.stopCh:
			m.logger.Info().Msg("monitor stopped")
			return
		}
	}
}

// sweep performs one detection cycle: any node without a heartbeat on
// record for longer than registry.HeartbeatTimeout is marked offline, and
// every non-terminal task it held is transitioned to lost.
func (m *Monitor) sweep() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	stale, err := m.registry.Stale()
	if err != nil {
		return fmt.Errorf("list stale nodes: %w", err)
	}

	for _, node := range stale {
		m.logger.Warn().
			Str("node_hostname", node.Hostname).
			Dur("no_heartbeat_duration", time.Since(node.LastHeartbeat)).
			Msg("node missed heartbeat deadline, marking offline")

		if err := m.registry.MarkOffline(node.Hostname); err != nil {
			m.logger.Error().Err(err).Str("node_hostname", node.Hostname).Msg("failed to mark node offline")
			continue
		}
		metrics.NodesMarkedOfflineTotal.Inc()

		if err := m.failTasksOnNode(node.Hostname); err != nil {
			m.logger.Error().Err(err).Str("node_hostname", node.Hostname).Msg("failed to fail tasks on offline node")
		}
	}

	return nil
}

// failTasksOnNode transitions every non-terminal task assigned to hostname
// into TaskStatusLost, since the Host can no longer observe or control
// their fate once the Runner holding them has gone dark.
func (m *Monitor) failTasksOnNode(hostname string) error {
	tasks, err := m.store.ListTasksByNode(hostname)
	if err != nil {
		return fmt.Errorf("list tasks on %s: %w", hostname, err)
	}

	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}

		current := task.Status
		var lost types.Task
		err := m.store.UpdateTaskStatus(task.ID, current, func(t *types.Task) {
			t.Status = types.TaskStatusLost
			t.Error = fmt.Sprintf("node %s went offline", hostname)
			t.FinishedAt = time.Now()
			lost = *t
		})
		if err != nil {
			m.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task lost")
			continue
		}
		if lost.SSHPort != 0 && m.sshAlloc != nil {
			m.sshAlloc.Release(lost.SSHPort)
		}
		if lost.OverlayIP != "" && m.ipAlloc != nil {
			m.ipAlloc.Release(m.overlaySubnet, lost.OverlayIP)
		}
		metrics.TasksLostTotal.Inc()
		m.logger.Info().Int64("task_id", task.ID).Str("node_hostname", hostname).Msg("task marked lost")
	}
	return nil
}
