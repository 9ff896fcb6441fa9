// Package metrics provides the Collector interface for recording sync
// core metrics, with Prometheus and no-op implementations.
package metrics

// Collector records operational counters for the sync core.
type Collector interface {
	// Ingestion metrics
	MessageIngested(category string)
	MessageDuplicate()
	MessageAbandoned()
	ClassifierFallback(reason string)

	// Agent metrics
	AgentStarted()
	AgentStopped()
	AgentStateChanged(state string)
	AgentPanicRecovered()

	// Session metrics
	SessionOpened()
	SessionClosed(code int)
	FrameSent(frameType string)
	FramesCoalesced(n int)

	// Bus metrics
	BusEventDropped(subscriber string, topic string)
}
