package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted           = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_jobs_submitted_total", Help: "Jobs created from new URLs"})
	JobsDuplicate           = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_jobs_duplicate_total", Help: "Submissions resolved to an existing job"})
	JobsCompleted           = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scribe_jobs_failed_total", Help: "Jobs that reached failed, by stage"}, []string{"stage"})
	DownloadFallbacks       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_download_fallbacks_total", Help: "Downloads that used the page scraping fallback"})
	QueueDepthGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scribe_queue_depth", Help: "Entries waiting in the transcription queue"})
	QueueRejects            = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_queue_rejects_total", Help: "Submissions rejected because the queue was full"})
	TranscriptionsInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scribe_transcriptions_inflight", Help: "Entries currently being transcribed"})
	TranscriptionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_transcriptions_completed_total", Help: "Queue entries transcribed successfully"})
	TranscriptionFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_transcriptions_failed_total", Help: "Queue entries that failed"})
	TranscriptionDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "scribe_transcription_seconds", Help: "Engine time per queue entry", Buckets: prometheus.ExponentialBuckets(5, 2, 10)})
	SummariesGenerated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_summaries_total", Help: "Summaries generated"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	MessagesProcessed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scribe_messages_processed_total", Help: "Inbound messages handled, by outcome"}, []string{"outcome"})
	MessagesInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scribe_messages_inflight", Help: "Inbound messages being processed"})
	NotificationsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scribe_notifications_sent_total", Help: "Result emails sent"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsDuplicate,
			JobsCompleted,
			JobsFailed,
			DownloadFallbacks,
			QueueDepthGauge,
			QueueRejects,
			TranscriptionsInFlight,
			TranscriptionsCompleted,
			TranscriptionFailures,
			TranscriptionDuration,
			SummariesGenerated,
			RateLimitRejects,
			MessagesProcessed,
			MessagesInFlight,
			NotificationsSent,
		)
	})
	return promhttp.Handler()
}
