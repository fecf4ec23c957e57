package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polls"

// Tally outcomes recorded by ObserveTally.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Collector records poll activity. A nil *Collector is valid and records nothing.
type Collector struct {
	questionSetsCreated prometheus.Counter
	voteBatches         prometheus.Counter
	voteEntries         prometheus.Counter
	skippedBatches      prometheus.Counter
	tallies             *prometheus.CounterVec
	tallyDuration       prometheus.Histogram
}

// NewCollector builds the collectors and registers them with registerer.
func NewCollector(registerer prometheus.Registerer) (*Collector, error) {
	collector := &Collector{
		questionSetsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "question_sets_created_total",
			Help:      "Question sets persisted under a fresh root key.",
		}),
		voteBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_batches_submitted_total",
			Help:      "Vote batches written under a composite key.",
		}),
		voteEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_entries_submitted_total",
			Help:      "Individual vote entries across all submitted batches.",
		}),
		skippedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tally_batches_skipped_total",
			Help:      "Listed vote batches that expired before they could be read.",
		}),
		tallies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tally_computations_total",
			Help:      "Tally computations by outcome.",
		}, []string{"outcome"}),
		tallyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tally_duration_seconds",
			Help:      "Wall time of a full list-and-fold tally pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		collector.questionSetsCreated,
		collector.voteBatches,
		collector.voteEntries,
		collector.skippedBatches,
		collector.tallies,
		collector.tallyDuration,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return collector, nil
}

func (c *Collector) QuestionSetCreated() {
	if c == nil {
		return
	}
	c.questionSetsCreated.Inc()
}

func (c *Collector) VotesSubmitted(entries int) {
	if c == nil {
		return
	}
	c.voteBatches.Inc()
	c.voteEntries.Add(float64(entries))
}

func (c *Collector) BatchesSkipped(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.skippedBatches.Add(float64(count))
}

func (c *Collector) ObserveTally(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.tallies.WithLabelValues(outcome).Inc()
	c.tallyDuration.Observe(elapsed.Seconds())
}

// Handler exposes gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
