package nvram

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts NV memory traffic. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
}

var (
	metricsOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics returns metrics registered with reg. Passing nil registers
// with the default registry once and returns the shared instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		metricsOnce.Do(func() {
			defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zstack",
			Subsystem: "nvram",
			Name:      "operations_total",
			Help:      "NV memory operations by kind and result.",
		}, []string{"op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zstack",
			Subsystem: "nvram",
			Name:      "bytes_total",
			Help:      "Bytes transferred to and from NV memory.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.operations, m.bytes)
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
