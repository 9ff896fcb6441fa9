package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using Prometheus metrics.
type PrometheusCollector struct {
	messagesIngestedTotal  *prometheus.CounterVec
	messagesDuplicateTotal prometheus.Counter
	messagesAbandonedTotal prometheus.Counter
	classifierFallbacks    *prometheus.CounterVec

	agentsActive      prometheus.Gauge
	agentStatesTotal  *prometheus.CounterVec
	agentPanicsTotal  prometheus.Counter
	agentStartedTotal prometheus.Counter

	sessionsActive       prometheus.Gauge
	sessionsOpenedTotal  prometheus.Counter
	sessionsClosedTotal  *prometheus.CounterVec
	framesSentTotal      *prometheus.CounterVec
	framesCoalescedTotal prometheus.Counter

	busDropsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a PrometheusCollector with all metrics
// registered on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		messagesIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_messages_ingested_total",
			Help: "Total number of messages stored in the index.",
		}, []string{"category"}),
		messagesDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_messages_duplicate_total",
			Help: "Total number of messages dropped as duplicates.",
		}),
		messagesAbandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_messages_abandoned_total",
			Help: "Total number of messages abandoned after retry exhaustion.",
		}),
		classifierFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_classifier_fallbacks_total",
			Help: "Total number of classifications resolved by the keyword fallback.",
		}, []string{"reason"}),

		agentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_agents_active",
			Help: "Number of currently running mailbox agents.",
		}),
		agentStatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_agent_state_transitions_total",
			Help: "Total number of agent state transitions.",
		}, []string{"state"}),
		agentPanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_agent_panics_recovered_total",
			Help: "Total number of agent panics recovered by the supervisor.",
		}),
		agentStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_agents_started_total",
			Help: "Total number of mailbox agents started.",
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_sessions_active",
			Help: "Number of currently connected WebSocket sessions.",
		}),
		sessionsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_sessions_opened_total",
			Help: "Total number of WebSocket sessions opened.",
		}),
		sessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_sessions_closed_total",
			Help: "Total number of WebSocket sessions closed.",
		}, []string{"code"}),
		framesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_frames_sent_total",
			Help: "Total number of frames written to sessions.",
		}, []string{"type"}),
		framesCoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_frames_coalesced_total",
			Help: "Total number of sync_status frames coalesced under backpressure.",
		}),

		busDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_bus_events_dropped_total",
			Help: "Total number of bus events dropped on full subscriber queues.",
		}, []string{"subscriber", "topic"}),
	}

	reg.MustRegister(
		c.messagesIngestedTotal,
		c.messagesDuplicateTotal,
		c.messagesAbandonedTotal,
		c.classifierFallbacks,
		c.agentsActive,
		c.agentStatesTotal,
		c.agentPanicsTotal,
		c.agentStartedTotal,
		c.sessionsActive,
		c.sessionsOpenedTotal,
		c.sessionsClosedTotal,
		c.framesSentTotal,
		c.framesCoalescedTotal,
		c.busDropsTotal,
	)

	return c
}

// MessageIngested increments the ingested counter for the category.
func (c *PrometheusCollector) MessageIngested(category string) {
	c.messagesIngestedTotal.WithLabelValues(category).Inc()
}

// MessageDuplicate increments the duplicate counter.
func (c *PrometheusCollector) MessageDuplicate() {
	c.messagesDuplicateTotal.Inc()
}

// MessageAbandoned increments the abandoned counter.
func (c *PrometheusCollector) MessageAbandoned() {
	c.messagesAbandonedTotal.Inc()
}

// ClassifierFallback increments the fallback counter for the reason.
func (c *PrometheusCollector) ClassifierFallback(reason string) {
	c.classifierFallbacks.WithLabelValues(reason).Inc()
}

// AgentStarted increments the started counter and active gauge.
func (c *PrometheusCollector) AgentStarted() {
	c.agentStartedTotal.Inc()
	c.agentsActive.Inc()
}

// AgentStopped decrements the active agents gauge.
func (c *PrometheusCollector) AgentStopped() {
	c.agentsActive.Dec()
}

// AgentStateChanged increments the transition counter for the state.
func (c *PrometheusCollector) AgentStateChanged(state string) {
	c.agentStatesTotal.WithLabelValues(state).Inc()
}

// AgentPanicRecovered increments the recovered panic counter.
func (c *PrometheusCollector) AgentPanicRecovered() {
	c.agentPanicsTotal.Inc()
}

// SessionOpened increments the session counters.
func (c *PrometheusCollector) SessionOpened() {
	c.sessionsOpenedTotal.Inc()
	c.sessionsActive.Inc()
}

// SessionClosed decrements the active gauge and counts the close code.
func (c *PrometheusCollector) SessionClosed(code int) {
	c.sessionsActive.Dec()
	c.sessionsClosedTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// FrameSent increments the sent counter for the frame type.
func (c *PrometheusCollector) FrameSent(frameType string) {
	c.framesSentTotal.WithLabelValues(frameType).Inc()
}

// FramesCoalesced adds n to the coalesced counter.
func (c *PrometheusCollector) FramesCoalesced(n int) {
	c.framesCoalescedTotal.Add(float64(n))
}

// BusEventDropped increments the drop counter for (subscriber, topic).
func (c *PrometheusCollector) BusEventDropped(subscriber, topic string) {
	c.busDropsTotal.WithLabelValues(subscriber, topic).Inc()
}
