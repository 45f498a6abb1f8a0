package metrics

import (
	"strconv"
	"time"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/types"
)

// ClusterView is the sliver of *cluster.Cluster the collector samples on
// each tick.
type ClusterView interface {
	Nodes() []types.Node
	Databases() []*calldb.DB
	Statistics() control.StatisticsDTO
}

// Collector periodically samples gauge-shaped cluster state into the
// package-level Prometheus collectors.
type Collector struct {
	cluster ClusterView
	stopCh  chan struct{}
}

// NewCollector constructs a Collector for cluster.
func NewCollector(cluster ClusterView) *Collector {
	return &Collector{cluster: cluster, stopCh: make(chan struct{})}
}

// Start begins sampling every 15 seconds.
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

// Stop halts sampling.
func (c *Collector) Stop() { close(c.stopCh) }

func (c *Collector) collect() {
	connected, disconnected := 0, 0
	for _, n := range c.cluster.Nodes() {
		if n.Flags.Connected() {
			connected++
		} else {
			disconnected++
		}
	}
	NodesConnected.WithLabelValues("connected").Set(float64(connected))
	NodesConnected.WithLabelValues("disconnected").Set(float64(disconnected))

	byPriority := make(map[int]int)
	for _, db := range c.cluster.Databases() {
		byPriority[db.Priority()]++
	}
	for priority, count := range byPriority {
		DatabasesAttached.WithLabelValues(strconv.Itoa(priority)).Set(float64(count))
	}

	stats := c.cluster.Statistics()
	ReqIDsInFlight.Set(float64(stats.ReqIDsInFlight))
	LockWaiters.Set(float64(stats.LockPending))
}
