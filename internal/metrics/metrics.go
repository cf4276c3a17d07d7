package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes the number of live routing sessions.
type SessionCounter interface {
	Len() int
}

// LegCounter exposes the number of SIP dialogs currently tracked.
type LegCounter interface {
	LegCount() int
}

// TrunkStatusEntry represents the status of a single trunk for metrics.
type TrunkStatusEntry struct {
	Name    string
	Status  string
	Healthy bool
}

// TrunkStatusProvider exposes trunk statuses.
type TrunkStatusProvider interface {
	GetAllTrunkStatuses() []TrunkStatusEntry
}

// BlockedCounter returns the number of source IPs currently blocked.
type BlockedCounter interface {
	BlockedCount() int
}

// Collector is a prometheus.Collector that gathers gateway state at scrape time.
type Collector struct {
	sessions  SessionCounter
	legs      LegCounter
	trunks    TrunkStatusProvider
	blocked   BlockedCounter
	startTime time.Time

	sessionsDesc    *prometheus.Desc
	legsDesc        *prometheus.Desc
	trunkStatusDesc *prometheus.Desc
	trunkHealthDesc *prometheus.Desc
	blockedDesc     *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionCounter,
	legs LegCounter,
	trunks TrunkStatusProvider,
	blocked BlockedCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		legs:      legs,
		trunks:    trunks,
		blocked:   blocked,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"agentgw_active_sessions",
			"Number of routing sessions currently registered",
			nil, nil,
		),
		legsDesc: prometheus.NewDesc(
			"agentgw_active_legs",
			"Number of SIP dialogs currently tracked",
			nil, nil,
		),
		trunkStatusDesc: prometheus.NewDesc(
			"agentgw_trunk_status",
			"Trunk registration status (1=registered, 0=other)",
			[]string{"name", "status"}, nil,
		),
		trunkHealthDesc: prometheus.NewDesc(
			"agentgw_trunk_options_healthy",
			"Whether the last OPTIONS ping to the trunk succeeded",
			[]string{"name"}, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"agentgw_blocked_sources",
			"Number of source IPs blocked for failed partner authentication",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agentgw_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.legsDesc
	ch <- c.trunkStatusDesc
	ch <- c.trunkHealthDesc
	ch <- c.blockedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Len()),
		)
	}

	if c.legs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.legsDesc, prometheus.GaugeValue,
			float64(c.legs.LegCount()),
		)
	}

	// One series per trunk with its status as a label.
	if c.trunks != nil {
		for _, t := range c.trunks.GetAllTrunkStatuses() {
			val := 0.0
			if t.Status == "registered" {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.trunkStatusDesc, prometheus.GaugeValue, val,
				t.Name, t.Status,
			)
			healthy := 0.0
			if t.Healthy {
				healthy = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.trunkHealthDesc, prometheus.GaugeValue, healthy,
				t.Name,
			)
		}
	}

	if c.blocked != nil {
		ch <- prometheus.MustNewConstMetric(
			c.blockedDesc, prometheus.GaugeValue,
			float64(c.blocked.BlockedCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
