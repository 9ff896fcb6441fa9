package hub

import (
	"time"

	"github.com/inboxkit/syncd/internal/account"
)

// Frame is one outbound WebSocket message. statusEmail carries the
// coalescing key for sync_status frames and never reaches the wire.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`

	statusEmail string
}

// The outbound frame types.
const (
	FrameConnection  = "connection"
	FrameNewEmail    = "new_email"
	FrameSyncStatus  = "sync_status"
	FrameTestMessage = "test_message"
	FramePong        = "pong"
	FrameBroadcast   = "broadcast"
)

// inboundFrame is the client-to-server shape. Only the type discriminator
// is interpreted; everything else is advisory.
type inboundFrame struct {
	Type string `json:"type"`
}

func connectionFrame(sessionID, userID string, at time.Time) Frame {
	return Frame{
		Type: FrameConnection,
		Data: map[string]any{
			"sessionId": sessionID,
			"userId":    userID,
			"at":        at.UTC().Format(time.RFC3339),
		},
	}
}

func newEmailFrame(ev account.NewMessageEvent) Frame {
	return Frame{
		Type: FrameNewEmail,
		Data: map[string]any{
			"email":  ev.Message,
			"userId": ev.UserID,
			"at":     ev.At.UTC().Format(time.RFC3339),
		},
	}
}

func syncStatusFrame(ev account.StatusEvent) Frame {
	data := map[string]any{
		"userId": ev.UserID,
		"email":  ev.Email,
		"state":  ev.State.Phase.String(),
		"at":     ev.At.UTC().Format(time.RFC3339),
	}
	if ev.State.Err != "" {
		data["error"] = ev.State.Err
	}
	return Frame{
		Type:        FrameSyncStatus,
		Data:        data,
		statusEmail: ev.Email,
	}
}

func pongFrame(at time.Time) Frame {
	return Frame{
		Type: FramePong,
		Data: map[string]any{"at": at.UTC().Format(time.RFC3339)},
	}
}

// TestFrame builds a test_message frame for the admin surface.
func TestFrame(message string) Frame {
	return Frame{
		Type: FrameTestMessage,
		Data: map[string]any{
			"message": message,
			"at":      time.Now().UTC().Format(time.RFC3339),
		},
	}
}
