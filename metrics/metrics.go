// Package metrics defines the Prometheus instrumentation surface for the
// proxy. Wiring a counter here does not make the proxy an observability
// service — SPEC_FULL.md treats scraping/dashboards as an external
// collaborator; this package only exposes the numbers for one to read.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsOpened counts sessions accepted by the proxy.
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgqueryproxy_sessions_opened_total",
		Help: "Total number of client sessions accepted.",
	})

	// SessionsClosed counts sessions torn down, by reason.
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgqueryproxy_sessions_closed_total",
		Help: "Total number of sessions closed, by reason.",
	}, []string{"reason"})

	// BackendConnectFailures counts failed backend dials.
	BackendConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgqueryproxy_backend_connect_failures_total",
		Help: "Total number of failed backend connection attempts.",
	})

	// BytesForwarded counts bytes copied, by direction.
	BytesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgqueryproxy_bytes_forwarded_total",
		Help: "Total bytes forwarded, by direction.",
	}, []string{"direction"})

	// LogLinesEmitted counts decoded log lines handed to the LogSink.
	LogLinesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgqueryproxy_log_lines_emitted_total",
		Help: "Total number of decoded SQL log lines emitted.",
	})

	// LogSinkGrowths counts mmap growth events.
	LogSinkGrowths = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgqueryproxy_logsink_growths_total",
		Help: "Total number of times the log mapping was grown.",
	})

	// LogSinkDropped counts log records dropped after a remap failure.
	LogSinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgqueryproxy_logsink_dropped_total",
		Help: "Total number of log records dropped after a remap failure.",
	})

	// BackpressurePauses counts read-interest pauses triggered by a full
	// outbound buffer.
	BackpressurePauses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgqueryproxy_backpressure_pauses_total",
		Help: "Total number of times read interest was paused for back-pressure.",
	})

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry. Safe
// to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			SessionsOpened,
			SessionsClosed,
			BackendConnectFailures,
			BytesForwarded,
			LogLinesEmitted,
			LogSinkGrowths,
			LogSinkDropped,
			BackpressurePauses,
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
