package metrics

import (
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/storage"
)

// Collector periodically samples the Host's store and republishes it as
// gauges, so dashboards don't need to re-derive counts from the task/node
// tables themselves.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector backed by store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval, sampling immediately
// on start.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectTaskMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}

	statusCounts := make(map[string]int)
	now := time.Now()
	for _, node := range nodes {
		statusCounts[string(node.Status)]++
		NodeHeartbeatAgeSeconds.WithLabelValues(node.Hostname).Set(now.Sub(node.LastHeartbeat).Seconds())
	}
	for status, count := range statusCounts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	statusCounts := make(map[string]int)
	for _, task := range tasks {
		statusCounts[string(task.Status)]++
	}
	for status, count := range statusCounts {
		TasksTotal.WithLabelValues(status).Set(float64(count))
	}
}
