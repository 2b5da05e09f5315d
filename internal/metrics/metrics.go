package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gridsync/internal/models"
)

// Metric labels
const (
	LabelMap     = "map"
	LabelKind    = "kind"
	LabelSink    = "sink"
	LabelOutcome = "outcome"
)

// Sinks a record can be forwarded to
const (
	SinkDatabase = "database"
	SinkBus      = "bus"
)

// Forward outcomes
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeDisabled = "disabled"
	OutcomeRejected = "rejected"
)

// Bridge holds the collectors updated by the sync bridge. A nil *Bridge
// records nothing.
type Bridge struct {
	events          *prometheus.CounterVec
	forwards        *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
}

// NewBridge creates the bridge collectors and registers them on reg.
func NewBridge(reg prometheus.Registerer) (*Bridge, error) {
	b := &Bridge{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridsync",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Change events observed by the bridge.",
		}, []string{LabelMap, LabelKind}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridsync",
			Subsystem: "bridge",
			Name:      "forwards_total",
			Help:      "Forward attempts per sink and outcome.",
		}, []string{LabelSink, LabelOutcome}),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridsync",
			Subsystem: "bridge",
			Name:      "forward_duration_seconds",
			Help:      "Time spent forwarding one record to a sink.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{LabelSink}),
	}

	var err error
	if b.events, err = register(reg, b.events); err != nil {
		return nil, err
	}
	if b.forwards, err = register(reg, b.forwards); err != nil {
		return nil, err
	}
	if b.forwardDuration, err = register(reg, b.forwardDuration); err != nil {
		return nil, err
	}
	return b, nil
}

// register adds c to reg, returning the collector registered earlier under
// the same name if there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register bridge metrics: %w", err)
	}
	return c, nil
}

// ObserveEvent counts one change event
func (b *Bridge) ObserveEvent(mapName string, kind models.ChangeKind) {
	if b == nil {
		return
	}
	b.events.WithLabelValues(mapName, string(kind)).Inc()
}

// ObserveForward counts one forward attempt. The duration is recorded only
// for attempts that reached the sink.
func (b *Bridge) ObserveForward(sink, outcome string, d time.Duration) {
	if b == nil {
		return
	}
	b.forwards.WithLabelValues(sink, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeFailed {
		b.forwardDuration.WithLabelValues(sink).Observe(d.Seconds())
	}
}
