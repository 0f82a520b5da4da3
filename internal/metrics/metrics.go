// Package metrics exports simulation counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream label values.
const (
	StreamCompute = "compute"
	StreamRender  = "render"
)

// Collector holds the simulation metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	// Frames counts completed frames by stream.
	Frames *prometheus.CounterVec

	// Waits counts fence waits by counter and outcome ("skipped" or
	// "stalled").
	Waits *prometheus.CounterVec

	// WaitSeconds observes the duration of waits that blocked.
	WaitSeconds *prometheus.HistogramVec

	// Barriers counts buffer barriers recorded by the compute stages.
	Barriers prometheus.Counter

	// Generation is the last completed generation by counter.
	Generation *prometheus.GaugeVec
}

// New registers the simulation metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		Frames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sph_frames_total",
				Help: "Completed frames by stream",
			},
			[]string{"stream"},
		),
		Waits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sph_fence_waits_total",
				Help: "Fence waits by counter and outcome",
			},
			[]string{"counter", "outcome"},
		),
		WaitSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sph_fence_wait_seconds",
				Help:    "Time spent blocked on a fence",
				Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
			},
			[]string{"counter"},
		),
		Barriers: f.NewCounter(prometheus.CounterOpts{
			Name: "sph_buffer_barriers_total",
			Help: "Buffer barriers recorded by the compute stages",
		}),
		Generation: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sph_generation",
				Help: "Last completed generation by counter",
			},
			[]string{"counter"},
		),
	}
}

// Frame records one completed frame of stream and its generation.
func (c *Collector) Frame(stream string, generation uint64) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(stream).Inc()
	c.Generation.WithLabelValues(stream).Set(float64(generation))
}

// Wait records one fence wait on counter.
func (c *Collector) Wait(counter string, stalled bool, d time.Duration) {
	if c == nil {
		return
	}
	if !stalled {
		c.Waits.WithLabelValues(counter, "skipped").Inc()
		return
	}
	c.Waits.WithLabelValues(counter, "stalled").Inc()
	c.WaitSeconds.WithLabelValues(counter).Observe(d.Seconds())
}

// AddBarriers records n buffer barriers.
func (c *Collector) AddBarriers(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Barriers.Add(float64(n))
}

// NewServer returns an HTTP server exposing g on /metrics.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
