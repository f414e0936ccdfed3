package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/perimetre/corebus/internal/broker"
)

// SubscriberState tracks the subscriber lifecycle. Transitions only move
// forward: Uninitialized -> Initialized -> Consuming -> Stopped.
type SubscriberState int32

const (
	StateUninitialized SubscriberState = iota
	StateInitialized
	StateConsuming
	StateStopped
)

func (s SubscriberState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConsuming:
		return "consuming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Subscriber consumes a queue bound to a topic exchange. Initialize declares
// the full consumer topology including a dedicated dead-letter exchange and
// queue bound with the same routing keys; a handler error rejects the
// delivery without requeue and the broker's dead-letter policy takes over.
// The subscriber performs no local retry of failed messages.
//
// Concurrency is bounded by channel prefetch: at most prefetch deliveries are
// unacknowledged at once. Stopping the subscriber aborts the transport-level
// subscription only; an in-flight handler runs to completion.
type Subscriber struct {
	registry    *broker.ChannelRegistry
	handler     MessageHandler
	logger      *slog.Logger
	exchange    string
	queue       string
	routingKeys []string
	prefetch    int
	messageTTL  time.Duration
	channelName string
	consumerTag string

	mu     sync.Mutex
	state  SubscriberState
	cancel context.CancelFunc
	done   chan struct{}
}

// SubscriberOption configures the Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithPrefetch bounds the number of unacknowledged deliveries in flight.
func WithPrefetch(count int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetch = count
	}
}

// WithMessageTTL sets a per-message TTL on the main queue. Expired messages
// dead-letter like rejected ones.
func WithMessageTTL(ttl time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.messageTTL = ttl
	}
}

// NewSubscriber creates a subscriber for queue bound to exchange under the
// given routing key patterns (AMQP topic wildcards apply). The handler is
// required; there is no subclassing involved.
func NewSubscriber(registry *broker.ChannelRegistry, exchange, queue string, routingKeys []string, handler MessageHandler, options ...SubscriberOption) (*Subscriber, error) {
	if queue == "" || exchange == "" {
		return nil, fmt.Errorf("%w: exchange and queue are required", ErrInvalidSubscription)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidSubscription)
	}
	if len(routingKeys) == 0 {
		return nil, fmt.Errorf("%w: at least one routing key is required", ErrInvalidSubscription)
	}

	s := &Subscriber{
		registry:    registry,
		handler:     handler,
		logger:      slog.Default(),
		exchange:    exchange,
		queue:       queue,
		routingKeys: routingKeys,
		prefetch:    10,
		channelName: "subscriber:" + queue,
		consumerTag: "consumer-" + uuid.New().String(),
		state:       StateUninitialized,
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// State returns the current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeadLetterExchange returns the name of the subscriber's dead-letter
// exchange.
func (s *Subscriber) DeadLetterExchange() string {
	return s.exchange + ".dlx"
}

// DeadLetterQueue returns the name of the subscriber's dead-letter queue.
func (s *Subscriber) DeadLetterQueue() string {
	return s.queue + ".dlq"
}

// Initialize declares the consumer topology: the topic exchange, a dedicated
// dead-letter exchange, the main queue wired to dead-letter into it, and the
// dead-letter queue bound with the same routing keys. Prefetch is set on the
// subscriber's channel. Idempotent once initialized.
func (s *Subscriber) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return ErrSubscriberClosed
	case StateInitialized, StateConsuming:
		return nil
	}

	dlx := s.DeadLetterExchange()
	dlq := s.DeadLetterQueue()

	err := s.registry.DeclareExchange(ctx, s.channelName, broker.ExchangeDeclaration{
		Name:    s.exchange,
		Type:    "topic",
		Durable: true,
	})
	if err != nil {
		return err
	}

	err = s.registry.DeclareExchange(ctx, s.channelName, broker.ExchangeDeclaration{
		Name:    dlx,
		Type:    "topic",
		Durable: true,
	})
	if err != nil {
		return err
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange": dlx,
	}
	if s.messageTTL > 0 {
		queueArgs["x-message-ttl"] = s.messageTTL.Milliseconds()
	}

	_, err = s.registry.DeclareQueue(ctx, s.channelName, broker.QueueDeclaration{
		Name:      s.queue,
		Durable:   true,
		Arguments: queueArgs,
	})
	if err != nil {
		return err
	}

	_, err = s.registry.DeclareQueue(ctx, s.channelName, broker.QueueDeclaration{
		Name:    dlq,
		Durable: true,
	})
	if err != nil {
		return err
	}

	for _, key := range s.routingKeys {
		err = s.registry.BindQueue(ctx, s.channelName, broker.Binding{
			Queue:      s.queue,
			Exchange:   s.exchange,
			RoutingKey: key,
		})
		if err != nil {
			return err
		}

		// Dead-lettered messages keep their original routing key, so the
		// DLQ binds with the same patterns.
		err = s.registry.BindQueue(ctx, s.channelName, broker.Binding{
			Queue:      dlq,
			Exchange:   dlx,
			RoutingKey: key,
		})
		if err != nil {
			return err
		}
	}

	if err := s.registry.SetPrefetch(ctx, s.channelName, s.prefetch); err != nil {
		return err
	}

	s.state = StateInitialized
	s.logger.Info("subscriber initialized",
		"exchange", s.exchange,
		"queue", s.queue,
		"deadLetterQueue", dlq,
		"prefetch", s.prefetch,
		"routingKeys", s.routingKeys)
	return nil
}

// StartConsuming registers the consumer and starts the receive loop.
// Idempotent while consuming.
func (s *Subscriber) StartConsuming(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConsuming:
		return nil
	case StateUninitialized:
		return ErrNotInitialized
	case StateStopped:
		return ErrSubscriberClosed
	}

	ch, err := s.registry.Channel(ctx, s.channelName)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(s.queue, s.consumerTag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{
			Queue:       s.queue,
			ConsumerTag: s.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateConsuming

	go s.consumeLoop(loopCtx, deliveries)

	s.logger.Info("consuming started", "queue", s.queue, "consumerTag", s.consumerTag)
	return nil
}

// consumeLoop drives receive/ack/nack until the deliveries channel closes or
// the subscriber stops.
func (s *Subscriber) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("delivery channel closed", "queue", s.queue)
				return
			}
			s.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery invokes the handler and acknowledges accordingly. A handler
// error (or panic) becomes a nack without requeue; the dead-letter policy
// takes it from there, so one poison message cannot crash the loop.
func (s *Subscriber) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	props := Properties{
		RoutingKey:    delivery.RoutingKey,
		CorrelationID: delivery.CorrelationId,
		ReplyTo:       delivery.ReplyTo,
		MessageID:     delivery.MessageId,
		AppID:         delivery.AppId,
		DeliveryTag:   delivery.DeliveryTag,
		Redelivered:   delivery.Redelivered,
		Timestamp:     delivery.Timestamp,
		Headers:       map[string]any(delivery.Headers),
	}

	err := s.invokeHandler(ctx, delivery.Body, props)
	if err != nil {
		s.logger.Error("handler failed, dead-lettering message",
			"queue", s.queue,
			"routingKey", props.RoutingKey,
			"correlationId", props.CorrelationID,
			"error", err)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			s.logger.Error("failed to nack message",
				"deliveryTag", delivery.DeliveryTag,
				"error", nackErr)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		s.logger.Error("failed to ack message",
			"deliveryTag", delivery.DeliveryTag,
			"error", ackErr)
	}
}

func (s *Subscriber) invokeHandler(ctx context.Context, payload []byte, props Properties) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler.Handle(ctx, payload, props)
}

// StopConsuming cancels the consumer and stops the receive loop. The
// subscriber is terminal afterwards.
func (s *Subscriber) StopConsuming(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Subscriber) stopLocked(ctx context.Context) error {
	if s.state == StateStopped {
		return nil
	}

	if s.state == StateConsuming {
		if ch, err := s.registry.Channel(ctx, s.channelName); err == nil {
			if err := ch.Cancel(s.consumerTag, false); err != nil {
				s.logger.Warn("failed to cancel consumer",
					"consumerTag", s.consumerTag,
					"error", err)
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
	}

	s.state = StateStopped
	s.logger.Info("consuming stopped", "queue", s.queue)
	return nil
}

// Close stops consuming and releases the subscriber's channel.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		return err
	}
	return s.registry.CloseChannel(s.channelName)
}
