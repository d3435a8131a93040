// Package monitor exposes engine activity as prometheus metrics and a live
// websocket event stream.
package monitor

import (
	"net/http"

	"github.com/leandrodaf/midibridge/internal/interaction"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds the bridge metrics on a private registry.
type Stats struct {
	Registry         *prometheus.Registry
	Phrases          *prometheus.CounterVec
	Notes            *prometheus.CounterVec
	GenerationErrors prometheus.Counter
	GenerationTime   prometheus.Histogram
	State            prometheus.Gauge
}

// NewStats registers the metrics along with the Go runtime collectors.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Stats{
		Registry: reg,
		Phrases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midibridge_phrases_total",
			Help: "Phrases captured or generated, by role.",
		}, []string{"role"}),
		Notes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midibridge_notes_total",
			Help: "Notes captured or generated, by role.",
		}, []string{"role"}),
		GenerationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "midibridge_generation_errors_total",
			Help: "Failed generation requests.",
		}),
		GenerationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "midibridge_generation_seconds",
			Help:    "Time spent generating a response.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Name: "midibridge_state",
			Help: "Interaction state: 0 waiting, 1 capturing, 2 generating, 3 responding.",
		}),
	}
}

// Observe updates the metrics from an engine event.
func (s *Stats) Observe(ev interaction.Event) {
	switch ev.Kind {
	case interaction.StateChanged:
		s.State.Set(float64(ev.State))
	case interaction.PhraseCaptured:
		s.Phrases.WithLabelValues(interaction.RoleCall).Inc()
		s.Notes.WithLabelValues(interaction.RoleCall).Add(float64(ev.Notes))
	case interaction.ResponseGenerated:
		s.Phrases.WithLabelValues(interaction.RoleResponse).Inc()
		s.Notes.WithLabelValues(interaction.RoleResponse).Add(float64(ev.Notes))
		s.GenerationTime.Observe(ev.Duration.Seconds())
	case interaction.GenerationFailed:
		s.GenerationErrors.Inc()
		s.GenerationTime.Observe(ev.Duration.Seconds())
	}
}

// Handler serves the registry in the prometheus text format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}
