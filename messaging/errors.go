package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInitialized is returned when Publish or StartConsuming runs
	// before Initialize.
	ErrNotInitialized = errors.New("messaging: not initialized")

	// ErrPublishRejected signals broker-side backpressure: the channel is
	// flow-blocked and the caller should back off and retry.
	ErrPublishRejected = errors.New("messaging: publish rejected, channel is flow-blocked")

	// ErrSubscriberClosed is returned for operations on a stopped subscriber.
	ErrSubscriberClosed = errors.New("messaging: subscriber is closed")

	// ErrInvalidSubscription is returned when a subscriber is constructed
	// without a queue, handler, or routing keys.
	ErrInvalidSubscription = errors.New("messaging: invalid subscription")
)

// PublishError reports a failed publish, including the target exchange and
// routing key.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging publish error: %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a failed consumer operation.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("messaging consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}
