package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

// MessageIngested is a no-op.
func (n *NoopCollector) MessageIngested(category string) {}

// MessageDuplicate is a no-op.
func (n *NoopCollector) MessageDuplicate() {}

// MessageAbandoned is a no-op.
func (n *NoopCollector) MessageAbandoned() {}

// ClassifierFallback is a no-op.
func (n *NoopCollector) ClassifierFallback(reason string) {}

// AgentStarted is a no-op.
func (n *NoopCollector) AgentStarted() {}

// AgentStopped is a no-op.
func (n *NoopCollector) AgentStopped() {}

// AgentStateChanged is a no-op.
func (n *NoopCollector) AgentStateChanged(state string) {}

// AgentPanicRecovered is a no-op.
func (n *NoopCollector) AgentPanicRecovered() {}

// SessionOpened is a no-op.
func (n *NoopCollector) SessionOpened() {}

// SessionClosed is a no-op.
func (n *NoopCollector) SessionClosed(code int) {}

// FrameSent is a no-op.
func (n *NoopCollector) FrameSent(frameType string) {}

// FramesCoalesced is a no-op.
func (n *NoopCollector) FramesCoalesced(count int) {}

// BusEventDropped is a no-op.
func (n *NoopCollector) BusEventDropped(subscriber string, topic string) {}
