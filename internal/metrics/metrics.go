package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"embedpipe/internal/worker"
)

// Reporter implements worker.Reporter on top of a Prometheus registry.
// Emission never fails and never blocks the data path.
type Reporter struct {
	consumed     prometheus.Counter
	indexed      prometheus.Counter
	retried      prometheus.Counter
	deadLettered prometheus.Counter
	upserts      prometheus.Counter
	upsertFailed prometheus.Counter

	resolveLatency  prometheus.Histogram
	embedLatency    prometheus.Histogram
	upsertLatency   prometheus.Histogram
	pipelineLatency prometheus.Histogram
}

func NewReporter(reg prometheus.Registerer) *Reporter {
	factory := promauto.With(reg)
	return &Reporter{
		consumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_jobs_consumed_total",
			Help: "Messages received from the embed task queue.",
		}),
		indexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_jobs_indexed_total",
			Help: "Documents embedded and upserted successfully.",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_jobs_retried_total",
			Help: "Items released back to the queue for redelivery.",
		}),
		deadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_jobs_dead_lettered_total",
			Help: "Items routed to the dead-letter topic.",
		}),
		upserts: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_index_upserts_total",
			Help: "Documents accepted by the index.",
		}),
		upsertFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_index_failures_total",
			Help: "Documents rejected or failed by the index.",
		}),
		resolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedpipe_resolve_latency_seconds",
			Help:    "Time to resolve document text from object storage.",
			Buckets: prometheus.DefBuckets,
		}),
		embedLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedpipe_embed_latency_seconds",
			Help:    "Time per embedding backend batch call.",
			Buckets: prometheus.DefBuckets,
		}),
		upsertLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedpipe_upsert_latency_seconds",
			Help:    "Time per index upsert batch call.",
			Buckets: prometheus.DefBuckets,
		}),
		pipelineLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedpipe_pipeline_latency_seconds",
			Help:    "End-to-end time from message receipt to terminal outcome.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

func (r *Reporter) Consumed(n int) {
	r.consumed.Add(float64(n))
}

func (r *Reporter) Outcome(o worker.Outcome) {
	switch o {
	case worker.OutcomeIndexed:
		r.indexed.Inc()
	case worker.OutcomeRetryable:
		r.retried.Inc()
	case worker.OutcomePermanent:
		r.deadLettered.Inc()
	}
}

func (r *Reporter) Upserts(ok, failed int) {
	r.upserts.Add(float64(ok))
	r.upsertFailed.Add(float64(failed))
}

func (r *Reporter) ResolveLatency(d time.Duration)  { r.resolveLatency.Observe(d.Seconds()) }
func (r *Reporter) EmbedLatency(d time.Duration)    { r.embedLatency.Observe(d.Seconds()) }
func (r *Reporter) UpsertLatency(d time.Duration)   { r.upsertLatency.Observe(d.Seconds()) }
func (r *Reporter) PipelineLatency(d time.Duration) { r.pipelineLatency.Observe(d.Seconds()) }

var _ worker.Reporter = (*Reporter)(nil)
