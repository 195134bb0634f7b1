// Package metrics holds the Prometheus collectors of the relay pipeline.
//
// All methods are safe on a nil *Pipeline, so components can run without
// metrics wired (tests, minimal setups).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Pipeline struct {
	Events          *prometheus.CounterVec
	Lines           *prometheus.CounterVec
	SubscriberFault *prometheus.CounterVec
	Flushes         *prometheus.CounterVec
	Fragments       *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	DroppedBatches  *prometheus.CounterVec
	Overflowed      *prometheus.CounterVec
	Pending         *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "source", Name: "events_total",
			Help: "Upstream events received, by source and kind.",
		}, []string{"source", "kind"}),
		Lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "source", Name: "lines_total",
			Help: "Display lines emitted to subscribers, by source.",
		}, []string{"source"}),
		SubscriberFault: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "source", Name: "subscriber_faults_total",
			Help: "Subscriber callbacks that panicked, by source.",
		}, []string{"source"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "batcher", Name: "flushes_total",
			Help: "Messages delivered, by destination.",
		}, []string{"destination"}),
		Fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "batcher", Name: "fragments_total",
			Help: "Fragments delivered inside messages, by destination.",
		}, []string{"destination"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "batcher", Name: "retries_total",
			Help: "Delivery retries after transient failures, by destination.",
		}, []string{"destination"}),
		DroppedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "batcher", Name: "dropped_batches_total",
			Help: "Batches discarded after a permanent failure or exhausted retries.",
		}, []string{"destination"}),
		Overflowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liverelay", Subsystem: "batcher", Name: "overflowed_fragments_total",
			Help: "Fragments discarded because the pending buffer was full.",
		}, []string{"destination"}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "liverelay", Subsystem: "batcher", Name: "pending_fragments",
			Help: "Fragments waiting for the next flush, by destination.",
		}, []string{"destination"}),
	}
	if reg != nil {
		reg.MustRegister(p.Events, p.Lines, p.SubscriberFault, p.Flushes, p.Fragments,
			p.Retries, p.DroppedBatches, p.Overflowed, p.Pending)
	}
	return p
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func (p *Pipeline) Event(source int64, kind string) {
	if p == nil {
		return
	}
	p.Events.WithLabelValues(id(source), kind).Inc()
}

func (p *Pipeline) Line(source int64) {
	if p == nil {
		return
	}
	p.Lines.WithLabelValues(id(source)).Inc()
}

func (p *Pipeline) SubscriberPanic(source int64) {
	if p == nil {
		return
	}
	p.SubscriberFault.WithLabelValues(id(source)).Inc()
}

func (p *Pipeline) Flushed(dest int64, fragments int) {
	if p == nil {
		return
	}
	p.Flushes.WithLabelValues(id(dest)).Inc()
	p.Fragments.WithLabelValues(id(dest)).Add(float64(fragments))
}

func (p *Pipeline) Retry(dest int64) {
	if p == nil {
		return
	}
	p.Retries.WithLabelValues(id(dest)).Inc()
}

func (p *Pipeline) Dropped(dest int64) {
	if p == nil {
		return
	}
	p.DroppedBatches.WithLabelValues(id(dest)).Inc()
}

func (p *Pipeline) Overflow(dest int64) {
	if p == nil {
		return
	}
	p.Overflowed.WithLabelValues(id(dest)).Inc()
}

func (p *Pipeline) SetPending(dest int64, n int) {
	if p == nil {
		return
	}
	p.Pending.WithLabelValues(id(dest)).Set(float64(n))
}
