// Package searchindex feeds the asynchronous vector-indexing worker over
// SQS. The pipeline publishes a request after every successful insert;
// delivery is best effort and never blocks ingestion.
package searchindex

import "time"

// Action is the kind of index operation requested.
type Action string

const (
	// ActionIndex requests that a message be embedded and indexed.
	ActionIndex Action = "index"
	// ActionDelete requests that a message's vectors be removed.
	ActionDelete Action = "delete"
)

// Request is the SQS message body for one index operation.
type Request struct {
	Action     Action    `json:"action"`
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	Subject    string    `json:"subject,omitempty"`
	BodyText   string    `json:"bodyText,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}
