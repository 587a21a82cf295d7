package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Registry to Prometheus. Metric names are only known
// at scrape time, so it is registered as an unchecked collector.
type Collector struct {
	registry  *Registry
	namespace string
}

func NewCollector(registry *Registry, namespace string) *Collector {
	return &Collector{registry: registry, namespace: namespace}
}

// Describe sends nothing, which marks the collector as unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.registry.Snapshot()

	for _, m := range snap.Counters {
		desc := prometheus.NewDesc(c.fqName(m.Name), help(m.Description, m.Name), nil, prometheus.Labels(m.Labels))
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, m.Value)
	}
	for _, m := range snap.Gauges {
		desc := prometheus.NewDesc(c.fqName(m.Name), help(m.Description, m.Name), nil, prometheus.Labels(m.Labels))
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, m.Value)
	}
	for _, tm := range snap.Timers {
		desc := prometheus.NewDesc(c.fqName(tm.Name)+"_ms", help(tm.Description, tm.Name), nil, prometheus.Labels(tm.Labels))
		quantiles := map[float64]float64{}
		if tm.Count >= 10 {
			quantiles[0.95] = tm.P95
			quantiles[0.99] = tm.P99
		}
		ch <- prometheus.MustNewConstSummary(desc, uint64(tm.Count), tm.Sum, quantiles)
	}
}

func (c *Collector) fqName(name string) string {
	return prometheus.BuildFQName(c.namespace, "", sanitizeName(name))
}

func help(description, name string) string {
	if description != "" {
		return description
	}
	return name
}

// sanitizeName maps any rune outside [a-zA-Z0-9_:] to an underscore.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, name)
}
