package realtime

import "fmt"

// ConnectionError reports an abnormal session termination: a failed
// handshake or a close with any code other than the normal one. Its message
// is always non-empty so it can be surfaced to the user verbatim.
type ConnectionError struct {
	// Code is the websocket close status, or 0 when the failure happened
	// before or outside the close handshake.
	Code int

	// Reason is the close reason or underlying error text.
	Reason string
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "connection lost"
	}
	if e.Code != 0 {
		return fmt.Sprintf("voice connection error (code %d): %s", e.Code, reason)
	}
	return fmt.Sprintf("voice connection error: %s", reason)
}
