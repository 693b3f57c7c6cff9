package transport

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds one send call against the remote gateway. A call
// that overruns it counts as a failed attempt and goes through the retry
// controller like any other transport error.
const DefaultTimeout = 120 * time.Second

// ErrSendFailed is returned when the gateway rejects a message
var ErrSendFailed = errors.New("transport send failed")

// SendRequest is one outbound message handed to the gateway
type SendRequest struct {
	SessionID string `json:"session_id"`
	Recipient string `json:"recipient"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url,omitempty"`
}

// SendResult is the gateway's immediate acknowledgement. The pipeline does
// not interpret delivery receipts beyond this call result.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// Transport is the narrow contract to the remote messaging gateway. The
// pipeline treats it as a black box with at-least-once semantics from its
// own perspective.
type Transport interface {
	// Send delivers one message through the tenant's active session and
	// returns the external message identifier on success
	Send(ctx context.Context, req SendRequest) (*SendResult, error)

	// Name identifies the transport implementation for logging
	Name() string
}
