// Package metric manages Prometheus metrics for the acquisition
// framework. Components receive an optional *Registry; a nil registry
// disables metrics entirely (nil input = nil feature).
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/acqstreams/errors"
)

// Registry manages the registration and lifecycle of metrics on a
// private Prometheus registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// CoreMetrics contains framework-level metrics shared by sessions,
// drivers and the transfer pipeline.
type CoreMetrics struct {
	SourcesRegistered *prometheus.GaugeVec   // event sources per session
	PacketsSent       *prometheus.CounterVec // datafeed packets by type
	PacketsDropped    *prometheus.CounterVec // packets dropped by transforms
	TransfersInFlight *prometheus.GaugeVec   // outstanding async transfers per device
	SamplesDecoded    *prometheus.CounterVec // decoded samples per device
	AcquisitionState  *prometheus.GaugeVec   // 0=idle 1=capturing 2=draining
}

// NewRegistry creates a metrics registry with the core framework
// metrics and Go runtime collectors registered.
func NewRegistry() *Registry {
	pr := prometheus.NewRegistry()

	core := &CoreMetrics{
		SourcesRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqstreams",
			Subsystem: "session",
			Name:      "event_sources",
			Help:      "Number of registered event sources",
		}, []string{"session"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "datafeed",
			Name:      "packets_sent_total",
			Help:      "Datafeed packets delivered to consumers",
		}, []string{"session", "type"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "datafeed",
			Name:      "packets_dropped_total",
			Help:      "Datafeed packets dropped by the transform chain",
		}, []string{"session"}),
		TransfersInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqstreams",
			Subsystem: "transfer",
			Name:      "in_flight",
			Help:      "Outstanding asynchronous transfers",
		}, []string{"device"}),
		SamplesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "decode",
			Name:      "samples_total",
			Help:      "Samples decoded from device buffers",
		}, []string{"device"}),
		AcquisitionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqstreams",
			Subsystem: "device",
			Name:      "acquisition_state",
			Help:      "Acquisition state (0=idle, 1=capturing, 2=draining)",
		}, []string{"device"}),
	}

	pr.MustRegister(
		core.SourcesRegistered,
		core.PacketsSent,
		core.PacketsDropped,
		core.TransfersInFlight,
		core.SamplesDecoded,
		core.AcquisitionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: pr,
		Core:               core,
		registered:         make(map[string]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry, for
// exposing via promhttp.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register registers a component-specific collector under
// component.name. Registering the same pair twice is an argument error.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapArgument(
			fmt.Errorf("metric %s already registered", key),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapArgument(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", key))
		}
		return errors.WrapResource(err, "Registry", "Register",
			"collector registration")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a previously registered collector. It reports
// whether the collector existed.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	r.prometheusRegistry.Unregister(c)
	delete(r.registered, key)
	return true
}
