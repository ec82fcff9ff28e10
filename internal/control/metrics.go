package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/tsproc/internal/tsp"
)

// collector reads the stage counters at scrape time. The executors own
// the counters; nothing is copied between scrapes.
type collector struct {
	proc *tsp.Processor

	pluginPackets *prometheus.Desc
	totalPackets  *prometheus.Desc
	suspended     *prometheus.Desc
	stageBitrate  *prometheus.Desc
	bitrate       *prometheus.Desc
}

func newCollector(proc *tsp.Processor) *collector {
	labels := []string{"index", "kind", "plugin"}
	return &collector{
		proc: proc,
		pluginPackets: prometheus.NewDesc("tsp_plugin_packets_total",
			"Packets submitted to the plugin of a stage.", labels, nil),
		totalPackets: prometheus.NewDesc("tsp_stage_packets_total",
			"Packets which went through a stage, including dropped and bypassed ones.", labels, nil),
		suspended: prometheus.NewDesc("tsp_stage_suspended",
			"1 when the plugin of a stage is suspended.", labels, nil),
		stageBitrate: prometheus.NewDesc("tsp_stage_bitrate_bps",
			"Bitrate seen by a stage, 0 when unknown.", labels, nil),
		bitrate: prometheus.NewDesc("tsp_bitrate_bps",
			"Bitrate at the output of the chain, 0 when unknown.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pluginPackets
	ch <- c.totalPackets
	ch <- c.suspended
	ch <- c.stageBitrate
	ch <- c.bitrate
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.proc.Executors() {
		lv := []string{strconv.Itoa(e.Index()), e.Kind().Letter(), e.Name()}
		ch <- prometheus.MustNewConstMetric(c.pluginPackets, prometheus.CounterValue, float64(e.PluginPackets()), lv...)
		ch <- prometheus.MustNewConstMetric(c.totalPackets, prometheus.CounterValue, float64(e.TotalPackets()), lv...)
		var susp float64
		if e.Suspended() {
			susp = 1
		}
		ch <- prometheus.MustNewConstMetric(c.suspended, prometheus.GaugeValue, susp, lv...)
		ch <- prometheus.MustNewConstMetric(c.stageBitrate, prometheus.GaugeValue, float64(e.Bitrate()), lv...)
	}
	ch <- prometheus.MustNewConstMetric(c.bitrate, prometheus.GaugeValue, float64(c.proc.Bitrate()))
}
