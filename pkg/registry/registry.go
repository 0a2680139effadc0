// Package registry tracks Runner nodes known to the Host: registration,
// heartbeats, and liveness.
package registry

import (
	"fmt"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// HeartbeatTimeout is how long the Host waits without a heartbeat before a
// node is eligible to be marked offline by the monitor.
const HeartbeatTimeout = 30 * time.Second

// Registry is the Host's view of every Runner that has ever registered.
type Registry struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a Registry backed by store.
func New(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithComponent("registry"),
	}
}

// Register records a Runner's declared identity and resource inventory. A
// Runner re-registering with the same hostname (e.g. after a restart)
// overwrites its prior record and is brought back online.
func (r *Registry) Register(node *types.Node) error {
	now := time.Now()
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = now

	existing, err := r.store.GetNode(node.Hostname)
	if err == nil {
		node.CreatedAt = existing.CreatedAt
	} else {
		node.CreatedAt = now
	}

	if err := r.store.CreateNode(node); err != nil {
		return fmt.Errorf("registry: register %s: %w", node.Hostname, err)
	}

	r.logger.Info().Str("node_hostname", node.Hostname).Str("address", node.Address).Msg("node registered")
	return nil
}

// Heartbeat updates a node's liveness timestamp and live utilization
// sample. It brings an offline node back online, since a heartbeat is
// proof of life regardless of prior monitor decisions.
func (r *Registry) Heartbeat(hostname string, utilization types.NodeUtilization) error {
	node, err := r.store.GetNode(hostname)
	if err != nil {
		return fmt.Errorf("registry: heartbeat from unknown node %s: %w", hostname, err)
	}

	node.LastHeartbeat = time.Now()
	node.Utilization = utilization
	wasOffline := node.Status == types.NodeStatusOffline
	node.Status = types.NodeStatusOnline

	if err := r.store.UpdateNode(node); err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", hostname, err)
	}

	if wasOffline {
		r.logger.Info().Str("node_hostname", hostname).Msg("node back online after heartbeat")
	}
	return nil
}

// Get returns one node by hostname.
func (r *Registry) Get(hostname string) (*types.Node, error) {
	return r.store.GetNode(hostname)
}

// List returns every known node.
func (r *Registry) List() ([]*types.Node, error) {
	return r.store.ListNodes()
}

// MarkOffline marks a node offline. It is idempotent: marking an
// already-offline node is a no-op.
func (r *Registry) MarkOffline(hostname string) error {
	node, err := r.store.GetNode(hostname)
	if err != nil {
		return fmt.Errorf("registry: mark offline %s: %w", hostname, err)
	}
	if node.Status == types.NodeStatusOffline {
		return nil
	}
	node.Status = types.NodeStatusOffline
	return r.store.UpdateNode(node)
}

// Stale returns every node whose last heartbeat is older than
// HeartbeatTimeout and that is not already marked offline.
func (r *Registry) Stale() ([]*types.Node, error) {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var stale []*types.Node
	for _, node := range nodes {
		if node.Status != types.NodeStatusOffline && now.Sub(node.LastHeartbeat) > HeartbeatTimeout {
			stale = append(stale, node)
		}
	}
	return stale, nil
}
