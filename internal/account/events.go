package account

import "time"

// NewMessageEvent announces one freshly indexed message.
type NewMessageEvent struct {
	UserID  string
	Email   string
	Message StoredMessage
	At      time.Time
}

// StatusEvent announces one agent state transition.
type StatusEvent struct {
	UserID string
	Email  string
	State  AgentState
	At     time.Time
}
