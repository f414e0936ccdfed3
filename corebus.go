// Package corebus is the message-bus client core: connection and channel
// lifecycle management over a single AMQP connection, publish/subscribe with
// dead-letter routing and prefetch-bounded concurrency, and a composable
// resilience toolkit (retry, circuit breaking, timeout, fallback) for
// wrapping any external call.
//
// The Client is the explicitly constructed root object: it owns the
// connection manager, the channel registry, and the breaker registry, and
// every publisher and subscriber hangs off it. There are no package-level
// singletons, which keeps instances isolated in tests and lets one process
// talk to several brokers.
package corebus

import (
	"context"
	"log/slog"
	"time"

	"github.com/perimetre/corebus/config"
	"github.com/perimetre/corebus/health"
	"github.com/perimetre/corebus/internal/broker"
	"github.com/perimetre/corebus/messaging"
	"github.com/perimetre/corebus/resilience"
)

// Client wires the connection manager, channel registry, and breaker
// registry together and hands out publishers and subscribers that share the
// single physical connection.
type Client struct {
	manager  *broker.ConnectionManager
	registry *broker.ChannelRegistry
	breakers *resilience.BreakerRegistry
	logger   *slog.Logger
}

type clientConfig struct {
	logger       *slog.Logger
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithConnectRetries sets the maximum dial attempts per connect.
func WithConnectRetries(retries int) ClientOption {
	return func(c *clientConfig) {
		c.maxRetries = retries
	}
}

// WithConnectDelay sets the base and maximum delay between dial attempts.
func WithConnectDelay(initial, max time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.initialDelay = initial
		c.maxDelay = max
	}
}

// NewClient creates a client for the given AMQP URL. The connection is dialed
// lazily on first use; call Connect to establish it eagerly.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		logger:       slog.Default(),
		maxRetries:   5,
		initialDelay: 1 * time.Second,
		maxDelay:     30 * time.Second,
	}

	for _, opt := range options {
		opt(&cfg)
	}

	manager := broker.NewConnectionManager(url,
		broker.WithLogger(cfg.logger),
		broker.WithMaxRetries(cfg.maxRetries),
		broker.WithInitialDelay(cfg.initialDelay),
		broker.WithMaxDelay(cfg.maxDelay),
	)

	registry, err := broker.NewChannelRegistry(manager,
		broker.WithRegistryLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		manager:  manager,
		registry: registry,
		breakers: resilience.NewBreakerRegistry(),
		logger:   cfg.logger,
	}, nil
}

// NewClientFromConfig creates a client from a broker configuration.
func NewClientFromConfig(cfg config.Broker, options ...ClientOption) (*Client, error) {
	return NewClient(cfg.URL(), options...)
}

// Connect establishes the broker connection eagerly. It is idempotent.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// IsConnected reports whether a live broker connection is held.
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// NewPublisher creates a publisher for the given exchange on its own channel.
func (c *Client) NewPublisher(exchange string, options ...messaging.PublisherOption) *messaging.Publisher {
	opts := append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(c.logger),
	}, options...)
	return messaging.NewPublisher(c.registry, exchange, opts...)
}

// NewSubscriber creates a subscriber for queue bound to exchange under the
// given routing key patterns, on its own channel.
func (c *Client) NewSubscriber(exchange, queue string, routingKeys []string, handler messaging.MessageHandler, options ...messaging.SubscriberOption) (*messaging.Subscriber, error) {
	opts := append([]messaging.SubscriberOption{
		messaging.WithSubscriberLogger(c.logger),
	}, options...)
	return messaging.NewSubscriber(c.registry, exchange, queue, routingKeys, handler, opts...)
}

// Breakers returns the client's circuit breaker registry. Any service may
// fetch a named breaker from it to wrap arbitrary external calls.
func (c *Client) Breakers() *resilience.BreakerRegistry {
	return c.breakers
}

// Health returns a health check registry covering broker connectivity and
// circuit breaker posture.
func (c *Client) Health() *health.Registry {
	return health.NewRegistry(
		health.NewBrokerChecker(c.manager, c.registry),
		health.NewBreakerChecker(c.breakers),
	)
}

// Close closes all channels and then the connection.
func (c *Client) Close() error {
	chanErr := c.registry.CloseAll()
	connErr := c.manager.Close()
	if connErr != nil {
		return connErr
	}
	return chanErr
}
