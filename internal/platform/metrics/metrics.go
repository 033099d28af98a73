// Package metrics registers the Prometheus instruments for the batch
// pipeline and exposes them over HTTP.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. One instance is shared across the
// batch workers and the API server.
type Metrics struct {
	RowsProcessed     *prometheus.CounterVec
	AckRowsWritten    prometheus.Counter
	FilesCompleted    prometheus.Counter
	FilesRefused      *prometheus.CounterVec
	IdentifierRetries prometheus.Counter
}

// New registers the instruments on a fresh registry and returns them with
// the registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veds_batch_rows_processed_total",
			Help: "Rows read from batch source files, by queue.",
		}, []string{"queue"}),
		AckRowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "veds_ack_rows_written_total",
			Help: "Acknowledgement rows appended to temp ack files.",
		}),
		FilesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "veds_batch_files_completed_total",
			Help: "Batch files fully acknowledged and archived.",
		}),
		FilesRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veds_batch_files_refused_total",
			Help: "Batch files refused admission, by reason.",
		}, []string{"reason"}),
		IdentifierRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "veds_identifier_poll_retries_total",
			Help: "Retries spent polling the identifier index for visibility.",
		}),
	}
	return m, reg
}

// Handler returns an echo handler serving the registry in the Prometheus
// exposition format.
func Handler(reg *prometheus.Registry) echo.HandlerFunc {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
