package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsign_audio_extractions_total",
			Help: "Audio extraction runs by outcome",
		},
		[]string{"status"},
	)

	ExtractionBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxsign_audio_extraction_bytes",
			Help:    "Size of recordings entering and audio leaving the extraction stage",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"kind"},
	)

	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxsign_audio_extraction_duration_seconds",
			Help:    "Wall time spent extracting audio from a recording",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpeakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsign_speaker_requests_total",
			Help: "Speaker recognition service calls by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsign_voice_verifications_total",
			Help: "Voice verification outcomes",
		},
		[]string{"result"},
	)

	PhraseMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsign_phrase_matches_total",
			Help: "Transcript phrase checks by matching mode and outcome",
		},
		[]string{"mode", "result"},
	)

	SweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsign_pending_enrollment_items_total",
			Help: "Pending enrollment sweep items by outcome",
		},
		[]string{"status"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxsign_circuit_breaker_state",
			Help: "Circuit breaker state per upstream: 0 closed, 1 open, 2 half-open",
		},
		[]string{"breaker"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsign_jobs_total",
			Help: "Queue jobs handled by the worker",
		},
		[]string{"queue", "status"},
	)
)

// Outcome turns an error into a low-cardinality label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
