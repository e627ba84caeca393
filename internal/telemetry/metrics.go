// Package telemetry is the optional, non-blocking observability layer
// (C10): Prometheus metrics, an admin HTTP server, and a best-effort
// match-event tap over NATS and/or a flat file.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the C10 metrics surface. A nil *Recorder is valid: every
// method guards for it, so callers never need a feature flag around their
// instrumentation calls.
type Recorder struct {
	framesForwarded *prometheus.CounterVec
	framesBlocked   *prometheus.CounterVec
	framesDelayed   *prometheus.CounterVec
	framesBatched   *prometheus.CounterVec
	acksSent        *prometheus.CounterVec
	ruleMatches     *prometheus.CounterVec
	parseFailures   *prometheus.CounterVec

	registry *prometheus.Registry
	events   *EventTap
}

// NewRecorder builds a Recorder with its own Prometheus registry (never
// the global default, so multiple Recorders in tests don't collide) and an
// optional event tap.
func NewRecorder(events *EventTap) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Recorder{
		registry: reg,
		events:   events,
		framesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_frames_forwarded_total",
			Help: "Frames forwarded, by direction.",
		}, []string{"direction"}),
		framesBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_frames_blocked_total",
			Help: "Frames blocked by a rule, by direction.",
		}, []string{"direction"}),
		framesDelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_frames_delayed_total",
			Help: "Frames delayed by a rule, by direction.",
		}, []string{"direction"}),
		framesBatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_frames_batched_total",
			Help: "Frames queued into a batch, by direction.",
		}, []string{"direction"}),
		acksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_acks_sent_total",
			Help: "Synthesized ACKs sent, by direction.",
		}, []string{"direction"}),
		ruleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_rule_matches_total",
			Help: "Rule matches, by rule name.",
		}, []string{"rule"}),
		parseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_relay_parse_failures_total",
			Help: "Frames that failed to decode and were forwarded raw, by direction.",
		}, []string{"direction"}),
	}
	return r
}

func (r *Recorder) RecordForward(direction string) {
	if r == nil {
		return
	}
	r.framesForwarded.WithLabelValues(direction).Inc()
}

func (r *Recorder) RecordBlock(direction string) {
	if r == nil {
		return
	}
	r.framesBlocked.WithLabelValues(direction).Inc()
}

func (r *Recorder) RecordDelay(direction string) {
	if r == nil {
		return
	}
	r.framesDelayed.WithLabelValues(direction).Inc()
}

func (r *Recorder) RecordBatch(direction string) {
	if r == nil {
		return
	}
	r.framesBatched.WithLabelValues(direction).Inc()
}

func (r *Recorder) RecordAck(direction string) {
	if r == nil {
		return
	}
	r.acksSent.WithLabelValues(direction).Inc()
	if r.events != nil {
		r.events.publish(event{Kind: "ack", Direction: direction})
	}
}

func (r *Recorder) RecordRuleMatch(rule string) {
	if r == nil {
		return
	}
	r.ruleMatches.WithLabelValues(rule).Inc()
	if r.events != nil {
		r.events.publish(event{Kind: "rule_match", Rule: rule})
	}
}

func (r *Recorder) RecordParseFailure(direction string) {
	if r == nil {
		return
	}
	r.parseFailures.WithLabelValues(direction).Inc()
}
