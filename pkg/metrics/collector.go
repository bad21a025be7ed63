package metrics

import (
	"time"

	"github.com/quaydisk/snapstore/pkg/types"
)

// Stats is the read-only subset of pkg/store.Store the collector samples.
// Defined here (not imported from pkg/store) to keep pkg/metrics free of a
// dependency on the persistence layer's full CRUD surface.
type Stats interface {
	StorageStats() (map[types.StorageType]map[types.Status]int, error)
	JournalBacklogStats() (map[types.OperationType]int, error)
}

// Collector periodically samples store-wide counts into gauges, the same
// ticker-driven shape as warren's pkg/metrics.Collector sampling the
// manager.
type Collector struct {
	stats  Stats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over stats.
func NewCollector(stats Stats) *Collector {
	return &Collector{
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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
	if rows, err := c.stats.StorageStats(); err == nil {
		for typ, byStatus := range rows {
			for status, count := range byStatus {
				StorageRowsTotal.WithLabelValues(string(typ), string(status)).Set(float64(count))
			}
		}
	}
	if backlog, err := c.stats.JournalBacklogStats(); err == nil {
		for opType, count := range backlog {
			JournalBacklog.WithLabelValues(string(opType)).Set(float64(count))
		}
	}
}
