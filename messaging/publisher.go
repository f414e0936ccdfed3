package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/perimetre/corebus/internal/broker"
)

// Publisher emits messages to a single exchange over its own dedicated
// channel. Publish reports acceptance into the broker's outbound buffer, not
// delivery; ErrPublishRejected means the channel is flow-blocked and the
// caller should back off.
type Publisher struct {
	registry     *broker.ChannelRegistry
	exchange     string
	exchangeType string
	channelName  string
	appID        string
	logger       *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithAppID stamps every published message with an application id.
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// WithExchangeType overrides the exchange type (default topic).
func WithExchangeType(exchangeType string) PublisherOption {
	return func(p *Publisher) {
		p.exchangeType = exchangeType
	}
}

// NewPublisher creates a publisher for the given exchange.
func NewPublisher(registry *broker.ChannelRegistry, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		registry:     registry,
		exchange:     exchange,
		exchangeType: "topic",
		channelName:  "publisher:" + exchange,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Initialize declares the publisher's exchange, durable. Idempotent.
func (p *Publisher) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	err := p.registry.DeclareExchange(ctx, p.channelName, broker.ExchangeDeclaration{
		Name:    p.exchange,
		Type:    p.exchangeType,
		Durable: true,
	})
	if err != nil {
		return err
	}

	p.initialized = true
	p.logger.Debug("publisher initialized", "exchange", p.exchange, "type", p.exchangeType)
	return nil
}

// Publish serializes msg, stamps delivery metadata, and hands it to the
// broker under routingKey. A nil error means the broker accepted the message
// into its local buffer, nothing more.
func (p *Publisher) Publish(ctx context.Context, msg *Message, routingKey string) error {
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()

	if !initialized {
		return ErrNotInitialized
	}

	if !p.registry.Flowing(p.channelName) {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			Err:        ErrPublishRejected,
			Timestamp:  time.Now(),
		}
	}

	body, contentType, err := msg.encode()
	if err != nil {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	timestamp := msg.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	ch, err := p.registry.Channel(ctx, p.channelName)
	if err != nil {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	publishing := amqp.Publishing{
		ContentType:   contentType,
		CorrelationId: correlationID,
		ReplyTo:       msg.ReplyTo,
		DeliveryMode:  deliveryMode,
		Timestamp:     time.UnixMilli(timestamp),
		AppId:         p.appIDFor(msg),
		Headers:       amqp.Table(msg.Headers),
		Body:          body,
	}

	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing); err != nil {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("message published",
		"exchange", p.exchange,
		"routingKey", routingKey,
		"correlationId", correlationID)
	return nil
}

// PublishWithReply pre-fills reply-to and correlation-id for request/response
// flows, then publishes.
func (p *Publisher) PublishWithReply(ctx context.Context, msg *Message, routingKey, replyQueue, correlationID string) error {
	msg.ReplyTo = replyQueue
	if correlationID != "" {
		msg.CorrelationID = correlationID
	}
	return p.Publish(ctx, msg, routingKey)
}

// Close releases the publisher's channel.
func (p *Publisher) Close() error {
	return p.registry.CloseChannel(p.channelName)
}

func (p *Publisher) appIDFor(msg *Message) string {
	if msg.AppID != "" {
		return msg.AppID
	}
	return p.appID
}
