package http

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

var taskStatuses = []registry.Status{registry.Pending, registry.InProgress, registry.Done, registry.Failed}

// Collector exports the latest agent snapshot. Values are read at scrape
// time, so the agent loop never blocks on Prometheus.
type Collector struct {
	source SnapshotSource

	tasks           *prometheus.Desc
	leases          *prometheus.Desc
	cycles          *prometheus.Desc
	round           *prometheus.Desc
	validated       *prometheus.Desc
	pendingReleases *prometheus.Desc
}

// NewCollector returns a collector over source.
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{
		source: source,
		tasks: prometheus.NewDesc("swarm_tasks",
			"Tasks in the registry by status, as last seen by this agent", []string{"status"}, nil),
		leases: prometheus.NewDesc("swarm_task_leases",
			"Task leases present in the store", nil, nil),
		cycles: prometheus.NewDesc("swarm_agent_cycles_total",
			"Orchestrator loop cycles by result", []string{"result"}, nil),
		round: prometheus.NewDesc("swarm_validation_round",
			"Validation rounds consumed", nil, nil),
		validated: prometheus.NewDesc("swarm_validated",
			"1 once the validation pass signal is present", nil, nil),
		pendingReleases: prometheus.NewDesc("swarm_pending_releases",
			"Releases waiting to be retried", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.leases
	ch <- c.cycles
	ch <- c.round
	ch <- c.validated
	ch <- c.pendingReleases
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	for _, status := range taskStatuses {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue,
			float64(snap.Tasks[string(status)]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(snap.Leases))

	results := make([]string, 0, len(snap.Cycles))
	for r := range snap.Cycles {
		results = append(results, r)
	}
	sort.Strings(results)
	for _, r := range results {
		ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(snap.Cycles[r]), r)
	}

	ch <- prometheus.MustNewConstMetric(c.round, prometheus.GaugeValue, float64(snap.Round))
	validated := 0.0
	if snap.Validated {
		validated = 1
	}
	ch <- prometheus.MustNewConstMetric(c.validated, prometheus.GaugeValue, validated)
	ch <- prometheus.MustNewConstMetric(c.pendingReleases, prometheus.GaugeValue, float64(snap.PendingReleases))
}
