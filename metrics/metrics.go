// Package metrics exposes pintfs's runtime counters through
// prometheus/client_golang, the same observability stack the retrieval
// pack's service-shaped repos wire up for their own request paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder groups every metric pintfs emits. Construct one per process
// and pass it down to the frame table and free map rather than reaching
// for package-level globals, so tests can use an unregistered Recorder
// without colliding with prometheus's default registry.
type Recorder struct {
	PageFaults     prometheus.Counter
	PageEvictions  prometheus.Counter
	FreeMapSectors prometheus.Gauge
	InodesOpen     prometheus.Gauge
	SwapSlotsInUse prometheus.Gauge
}

// NewRecorder builds a Recorder and registers its metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		PageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pintfs",
			Subsystem: "vm",
			Name:      "page_faults_total",
			Help:      "Total number of page faults handled.",
		}),
		PageEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pintfs",
			Subsystem: "vm",
			Name:      "page_evictions_total",
			Help:      "Total number of frames evicted to make room for a fault.",
		}),
		FreeMapSectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pintfs",
			Subsystem: "freemap",
			Name:      "sectors_in_use",
			Help:      "Sectors currently marked allocated on the FS device.",
		}),
		InodesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pintfs",
			Subsystem: "inode",
			Name:      "open_inodes",
			Help:      "Inodes currently present in the open-inode table.",
		}),
		SwapSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pintfs",
			Subsystem: "vm",
			Name:      "swap_slots_in_use",
			Help:      "Swap slots currently holding evicted page data.",
		}),
	}
	reg.MustRegister(r.PageFaults, r.PageEvictions, r.FreeMapSectors, r.InodesOpen, r.SwapSlotsInUse)
	return r
}
