// Package metrics holds the prometheus collectors for the bench.  Every
// recorder registers the collectors on first use, so callers never need to
// remember to.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	registerOnce sync.Once

	supplyVoltage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "benchlab",
			Subsystem: "supply",
			Name:      "voltage_volts",
			Help:      "Last voltage read back from a high voltage supply.",
		},
		[]string{"supply"},
	)
	rampSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlab",
			Subsystem: "ramp",
			Name:      "steps_total",
			Help:      "Voltage steps commanded while ramping.",
		},
		[]string{"supply", "direction"},
	)
	rampFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlab",
			Subsystem: "ramp",
			Name:      "faults_total",
			Help:      "Ramps aborted by a supply fault.",
		},
		[]string{"supply", "kind"},
	)
	captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlab",
			Subsystem: "digitizer",
			Name:      "captures_total",
			Help:      "Waveform captures written to disk.",
		},
		[]string{"unit"},
	)
	captureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "benchlab",
			Subsystem: "digitizer",
			Name:      "capture_duration_seconds",
			Help:      "Time to collect and write one capture.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

// Register registers every collector with the default registry.  It is
// idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(supplyVoltage, rampSteps, rampFaults, captures, captureDuration, httpRequests)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// SupplyVoltage records a voltage read back from supply
func SupplyVoltage(supply string, volts float64) {
	Register()
	supplyVoltage.WithLabelValues(supply).Set(volts)
}

// RampStep counts one commanded step; direction is "up", "down" or "jump"
func RampStep(supply, direction string) {
	Register()
	rampSteps.WithLabelValues(supply, direction).Inc()
}

// RampFault counts an aborted ramp
func RampFault(supply, kind string) {
	Register()
	rampFaults.WithLabelValues(supply, kind).Inc()
}

// Capture counts one capture from unit and observes how long it took
func Capture(unit string, took time.Duration) {
	Register()
	captures.WithLabelValues(unit).Inc()
	captureDuration.Observe(took.Seconds())
}

// RequestMiddleware counts requests and logs each one to logger
func RequestMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	Register()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(status)).Inc()

			event := logger.Info()
			if status >= 500 {
				event = logger.Error()
			} else if status >= 400 {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Int("bytes", ww.BytesWritten()).
				Msg("http_request")
		})
	}
}
