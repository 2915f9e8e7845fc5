package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Series names are part of the scrape contract.
const (
	TotalMessagesName     = "websocket_total_messages"
	ActiveConnectionsName = "websocket_active_connections"
	ErrorCountName        = "websocket_error_count"
	LastShutdownTimeName  = "websocket_last_shutdown_time"
)

var (
	totalMessagesDesc = prometheus.NewDesc(TotalMessagesName,
		"Total number of WebSocket messages received", nil, nil)
	activeConnectionsDesc = prometheus.NewDesc(ActiveConnectionsName,
		"Current number of active WebSocket connections", nil, nil)
	errorCountDesc = prometheus.NewDesc(ErrorCountName,
		"Total number of WebSocket errors", nil, nil)
	lastShutdownTimeDesc = prometheus.NewDesc(LastShutdownTimeName,
		"Time taken for last server shutdown in seconds", nil, nil)
)

// Collector reads an Aggregator at scrape time.
type Collector struct {
	agg *Aggregator
}

func NewCollector(agg *Aggregator) *Collector {
	return &Collector{agg: agg}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- totalMessagesDesc
	ch <- activeConnectionsDesc
	ch <- errorCountDesc
	ch <- lastShutdownTimeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()
	ch <- prometheus.MustNewConstMetric(totalMessagesDesc, prometheus.CounterValue, float64(snap.TotalMessages))
	ch <- prometheus.MustNewConstMetric(activeConnectionsDesc, prometheus.GaugeValue, float64(snap.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(errorCountDesc, prometheus.CounterValue, float64(snap.ErrorCount))
	ch <- prometheus.MustNewConstMetric(lastShutdownTimeDesc, prometheus.GaugeValue, c.agg.LastShutdownDuration())
}
