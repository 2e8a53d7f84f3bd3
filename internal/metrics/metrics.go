// Package metrics exposes session lifecycle counters in the Prometheus
// text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scriptrun/internal/session"
)

const namespace = "scriptrun"

// Collector implements session.Observer and owns its own registry so that
// several instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	created     prometheus.Counter
	started     prometheus.Counter
	finished    *prometheus.CounterVec
	spawnFailed prometheus.Counter
	destroyed   prometheus.Counter
	active      prometheus.Gauge
	running     prometheus.Gauge
	swept       prometheus.Counter
	scripts     prometheus.Gauge
}

var _ session.Observer = (*Collector)(nil)

// New creates a collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Script runs started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Script runs finished, by final state.",
		}, []string{"state"}),
		destroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Sessions destroyed by callers or the idle sweep.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Scripts currently executing.",
		}),
		spawnFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Runs whose script could not be spawned.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Idle sessions removed by the sweep.",
		}),
		scripts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_scripts",
			Help:      "Scripts available in the catalog.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.created, c.started, c.finished, c.destroyed,
		c.active, c.running, c.swept, c.spawnFailed, c.scripts,
	)
	return c
}

func (c *Collector) SessionCreated() {
	c.created.Inc()
	c.active.Inc()
}

func (c *Collector) SessionStarted() {
	c.started.Inc()
	c.running.Inc()
}

func (c *Collector) SessionFinished(state session.State) {
	c.finished.WithLabelValues(string(state)).Inc()
	c.running.Dec()
}

func (c *Collector) SpawnFailed() {
	c.spawnFailed.Inc()
}

func (c *Collector) SessionDestroyed() {
	c.destroyed.Inc()
	c.active.Dec()
}

// Swept records sessions removed by one sweep.
func (c *Collector) Swept(n int) {
	c.swept.Add(float64(n))
}

// SetScripts records the size of the script catalog.
func (c *Collector) SetScripts(n int) {
	c.scripts.Set(float64(n))
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
