// Package ipalloc manages overlay IP and SSH proxy port reservations bound
// to a task's lifetime. Both allocators are simple mutex-guarded maps:
// allocation scans for the first free address or port, so it is linear in
// the pool size, not O(1); release is a single map delete. Nothing here
// persists across a restart — on Host restart, reservations are rebuilt
// from the task store by Rebuild, since the task records (not the maps)
// are the durable source of truth.
package ipalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Manager allocates overlay IPs out of a fixed set of subnets. One IP is
// bound to one task for the task's lifetime; it is released when the task
// reaches a terminal status.
type Manager struct {
	mu      sync.Mutex
	subnets map[string]*subnetPool // subnet CIDR -> pool
}

type subnetPool struct {
	ipnet     *net.IPNet
	allocated map[string]int64 // ip -> task id
}

// NewManager creates a Manager with no subnets configured. Call AddSubnet
// for every overlay subnet the cluster should allocate from.
func NewManager() *Manager {
	return &Manager{subnets: make(map[string]*subnetPool)}
}

// AddSubnet registers subnet (CIDR notation, e.g. "10.88.0.0/16") as a pool
// IPs may be allocated from. The network and broadcast addresses are never
// handed out.
func (m *Manager) AddSubnet(subnet string) error {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return fmt.Errorf("ipalloc: invalid subnet %q: %w", subnet, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subnets[subnet] = &subnetPool{ipnet: ipnet, allocated: make(map[string]int64)}
	return nil
}

// Allocate reserves the first free IP in subnet for taskID. It returns an
// error if subnet is unknown or exhausted.
func (m *Manager) Allocate(subnet string, taskID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.subnets[subnet]
	if !ok {
		return "", fmt.Errorf("ipalloc: unknown subnet %q", subnet)
	}

	for ip := cloneIP(pool.ipnet.IP.Mask(pool.ipnet.Mask)); pool.ipnet.Contains(ip); incIP(ip) {
		s := ip.String()
		if isNetworkOrBroadcast(ip, pool.ipnet) {
			continue
		}
		if _, taken := pool.allocated[s]; !taken {
			pool.allocated[s] = taskID
			return s, nil
		}
	}
	return "", fmt.Errorf("ipalloc: subnet %q exhausted", subnet)
}

// Release returns ip in subnet to the free pool. It is a no-op if ip was
// not reserved (e.g. double release after a crash-restart reconcile).
func (m *Manager) Release(subnet, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.subnets[subnet]; ok {
		delete(pool.allocated, ip)
	}
}

// Reserve marks ip in subnet as held by taskID without scanning for the
// first free address. Used by Rebuild to replay reservations recorded on
// still-live task records after a Host restart.
func (m *Manager) Reserve(subnet, ip string, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.subnets[subnet]
	if !ok {
		return fmt.Errorf("ipalloc: unknown subnet %q", subnet)
	}
	pool.allocated[ip] = taskID
	return nil
}

// Rebuild repopulates subnet's allocated set from the overlay IPs still
// held by non-terminal tasks; other subnets are left untouched. It must run once at Host startup,
// before any new Allocate call, so a restart cannot hand out an IP that is
// still in use.
func (m *Manager) Rebuild(subnet string, tasks []*types.Task) {
	for _, t := range tasks {
		if t.Status.Terminal() || t.OverlayIP == "" {
			continue
		}
		_ = m.Reserve(subnet, t.OverlayIP, t.ID)
	}
}

func cloneIP(ip net.IP) net.IP {
	cp := make(net.IP, len(ip))
	copy(cp, ip)
	return cp
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func isNetworkOrBroadcast(ip net.IP, ipnet *net.IPNet) bool {
	if ip.Equal(ipnet.IP.Mask(ipnet.Mask)) {
		return true
	}
	bcast := cloneIP(ipnet.IP.Mask(ipnet.Mask))
	for i := range bcast {
		bcast[i] |= ^ipnet.Mask[i]
	}
	return ip.Equal(bcast)
}
