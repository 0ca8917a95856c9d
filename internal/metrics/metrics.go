package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keypool"

// Collector holds the Prometheus instruments for the coordinator.
// A nil *Collector is valid and records nothing.
type Collector struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	allocations         *prometheus.CounterVec
	allocationConflicts *prometheus.CounterVec
	allocationExhausted prometheus.Counter
	allocationDuration  prometheus.Histogram
	rangesCompleted     *prometheus.CounterVec
	keyFinds            *prometheus.CounterVec
	notifyFailures      *prometheus.CounterVec

	searchedPercent *prometheus.GaugeVec
	workersOnline   prometheus.Gauge
	fleetSpeed      prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Collector registered on a private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry creates a Collector registered on reg. gatherer backs
// Handler and may be nil when the caller serves metrics elsewhere.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		reg:      reg,
		gatherer: gatherer,
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Ranges allocated, by puzzle and strategy (random, sequential, fallback).",
		}, []string{"puzzle", "strategy"}),
		allocationConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_conflicts_total",
			Help:      "Candidate ranges discarded because their start prefix was already taken.",
		}, []string{"puzzle"}),
		allocationExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_exhausted_total",
			Help:      "Claims that found no allocatable work.",
		}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Time spent inside the allocation critical section.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		rangesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranges_completed_total",
			Help:      "Ranges reported complete, by puzzle.",
		}, []string{"puzzle"}),
		keyFinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_finds_total",
			Help:      "Key discoveries recorded, by puzzle.",
		}, []string{"puzzle"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Discovery notifications that could not be delivered, by sender.",
		}, []string{"sender"}),
		searchedPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "puzzle_searched_percent",
			Help:      "Share of a puzzle's chunks that are completed.",
		}, []string{"puzzle"}),
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_online",
			Help:      "Clients seen within the offline threshold.",
		}),
		fleetSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_speed_keys_per_second",
			Help:      "Summed reported speed of online clients.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		c.allocations, c.allocationConflicts, c.allocationExhausted, c.allocationDuration,
		c.rangesCompleted, c.keyFinds, c.notifyFailures,
		c.searchedPercent, c.workersOnline, c.fleetSpeed,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) AllocationSucceeded(puzzle, strategy string) {
	if c == nil {
		return
	}
	c.allocations.WithLabelValues(puzzle, strategy).Inc()
}

func (c *Collector) AllocationConflict(puzzle string) {
	if c == nil {
		return
	}
	c.allocationConflicts.WithLabelValues(puzzle).Inc()
}

func (c *Collector) AllocationExhausted() {
	if c == nil {
		return
	}
	c.allocationExhausted.Inc()
}

func (c *Collector) ObserveAllocation(d time.Duration) {
	if c == nil {
		return
	}
	c.allocationDuration.Observe(d.Seconds())
}

func (c *Collector) RangeCompleted(puzzle string) {
	if c == nil {
		return
	}
	c.rangesCompleted.WithLabelValues(puzzle).Inc()
}

func (c *Collector) KeyFound(puzzle string) {
	if c == nil {
		return
	}
	c.keyFinds.WithLabelValues(puzzle).Inc()
}

func (c *Collector) NotificationFailed(sender string) {
	if c == nil {
		return
	}
	c.notifyFailures.WithLabelValues(sender).Inc()
}

// SetPuzzleSearched records the searched percentage for one puzzle.
func (c *Collector) SetPuzzleSearched(puzzle string, pct float64) {
	if c == nil {
		return
	}
	c.searchedPercent.WithLabelValues(puzzle).Set(pct)
}

// ResetPuzzles drops every per-puzzle gauge, so deleted puzzles disappear.
func (c *Collector) ResetPuzzles() {
	if c == nil {
		return
	}
	c.searchedPercent.Reset()
}

// SetFleet records the online worker count and their summed speed.
func (c *Collector) SetFleet(online int, speed float64) {
	if c == nil {
		return
	}
	c.workersOnline.Set(float64(online))
	c.fleetSpeed.Set(speed)
}

// ObserveRequest records one served HTTP request.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
