package broker

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("broker: connection is closed")
	ErrConnectionNotReady = errors.New("broker: connection not ready")
	ErrMaxRetriesExceeded = errors.New("broker: maximum connection attempts exceeded")

	// Channel errors
	ErrChannelClosed   = errors.New("broker: channel is closed")
	ErrRegistryClosed  = errors.New("broker: channel registry is closed")
	ErrChannelCreation = errors.New("broker: failed to create channel")

	// General errors
	ErrInvalidConfiguration = errors.New("broker: invalid configuration")
)

// ConnectionError reports a failed connection operation, including how many
// dial attempts were made before giving up.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("broker connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("broker connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError reports a failed channel-level operation.
type ChannelError struct {
	Op        string    // Operation that failed
	Channel   string    // Channel name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("broker channel error: %s on channel %q: %v", e.Op, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError reports a failed declare or bind operation. Topology errors
// are never retried internally; they surface directly to the caller.
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding, qos)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("broker topology error: failed to %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from a connection URL for logging.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
