package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_jobs_enqueued_total", Help: "Jobs created and enqueued by the producer API"})
	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_jobs_claimed_total", Help: "Jobs claimed by a worker"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_jobs_failed_total", Help: "Jobs finalized as failed"})
	MessagesMalformed = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_messages_malformed_total", Help: "Queue messages dropped for carrying no job id"})
	MessagesAcked     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_messages_acked_total", Help: "Deliveries settled as acknowledged"})
	MessagesAbandoned = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_messages_abandoned_total", Help: "Deliveries returned to the queue for redelivery"})
	FilesImported     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_files_imported_total", Help: "Book files imported into the library"})
	FilesSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookshelf_files_skipped_total", Help: "Book files skipped as duplicates"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bookshelf_queue_depth", Help: "Undelivered messages in the ready queue"})
	JobsInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bookshelf_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			MessagesMalformed,
			MessagesAcked,
			MessagesAbandoned,
			FilesImported,
			FilesSkipped,
			QueueDepthGauge,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
