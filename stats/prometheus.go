// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vtrun/ids"
)

// Exporter mirrors a Collector's per-element phase durations into a
// caller-supplied *prometheus.Registry. It never touches the global
// default registry, so a single test binary can run several Exporters
// (one per simulated process) without collisions.
type Exporter struct {
	phaseDuration *prometheus.HistogramVec
}

// NewExporter registers vtrun's metrics against reg and wires c to
// observe every StopTime bracket it closes from now on.
func NewExporter(reg *prometheus.Registry, c *Collector) *Exporter {
	factory := promauto.With(reg)
	ex := &Exporter{
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vtrun",
			Subsystem: "stats",
			Name:      "element_phase_duration_seconds",
			Help:      "Time spent in handler invocations for one element, by phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_class", "proxy", "phase"}),
	}
	c.onRecordHook(ex.observe)
	return ex
}

func (ex *Exporter) observe(e ids.EntityID, phase PhaseID, d time.Duration) {
	ex.phaseDuration.WithLabelValues(
		e.Class.String(),
		strconv.FormatUint(e.Proxy, 10),
		strconv.FormatUint(uint64(phase), 10),
	).Observe(d.Seconds())
}
