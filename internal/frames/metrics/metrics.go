// Package metrics exports registry statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/framedescr/internal/frames/registry"
)

const namespace = "framedescr"

var (
	descCapacity = prometheus.NewDesc(
		namespace+"_index_capacity",
		"Number of slots in the descriptor index.",
		nil, nil,
	)
	descDescriptors = prometheus.NewDesc(
		namespace+"_descriptors",
		"Number of registered frame descriptors.",
		nil, nil,
	)
	descBatches = prometheus.NewDesc(
		namespace+"_batches",
		"Number of registered descriptor batches.",
		nil, nil,
	)
	descTombstones = prometheus.NewDesc(
		namespace+"_index_tombstones",
		"Number of index slots holding the removed-descriptor marker.",
		nil, nil,
	)
	descMaxProbe = prometheus.NewDesc(
		namespace+"_index_max_probe_length",
		"Longest probe sequence of any registered descriptor.",
		nil, nil,
	)
	descOperations = prometheus.NewDesc(
		namespace+"_operations_total",
		"Registry write operations by kind.",
		[]string{"op"}, nil,
	)
)

// StatsSource provides registry snapshots. *registry.Registry implements it.
type StatsSource interface {
	Stats() registry.Stats
}

// FuncSource adapts a function to StatsSource. The function reports false
// when there is nothing to export yet.
type FuncSource func() (registry.Stats, bool)

type collector struct {
	src func() (registry.Stats, bool)
}

// Check if collector implements necessary interface
var _ prometheus.Collector = &collector{}

// NewCollector returns a prometheus.Collector exposing the statistics of src.
func NewCollector(src StatsSource) prometheus.Collector {
	return &collector{src: func() (registry.Stats, bool) { return src.Stats(), true }}
}

// NewFuncCollector is NewCollector for a FuncSource, such as the process
// registry's Stats.
func NewFuncCollector(src FuncSource) prometheus.Collector {
	return &collector{src: src}
}

// Describe implements the prometheus.Collector interface.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCapacity
	ch <- descDescriptors
	ch <- descBatches
	ch <- descTombstones
	ch <- descMaxProbe
	ch <- descOperations
}

// Collect implements the prometheus.Collector interface.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s, ok := c.src()
	if !ok {
		return
	}

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(descCapacity, s.Capacity)
	gauge(descDescriptors, s.Count)
	gauge(descBatches, s.Batches)
	gauge(descTombstones, s.Index.Tombstones)
	gauge(descMaxProbe, s.Index.MaxProbe)

	for op, v := range map[string]uint64{
		"rebuild":          s.Rebuilds,
		"fast_add":         s.FastAdds,
		"remove":           s.Removals,
		"rendezvous_retry": s.Retries,
	} {
		ch <- prometheus.MustNewConstMetric(descOperations, prometheus.CounterValue, float64(v), op)
	}
}
