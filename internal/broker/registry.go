package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared.
type ExchangeDeclaration struct {
	Name       string
	Type       string // direct, topic, fanout, headers
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// managedChannel pairs a channel with its broker flow-control state.
type managedChannel struct {
	ch      Channel
	blocked atomic.Bool
}

// ChannelRegistry multiplexes named logical channels over one connection.
// Each role (publisher, each subscriber) gets its own channel so a protocol
// error on one never stalls the others. A channel that errors or closes is
// evicted and lazily recreated on the next access.
type ChannelRegistry struct {
	manager *ConnectionManager
	logger  *slog.Logger

	mu       sync.Mutex
	closed   bool
	channels map[string]*managedChannel
}

// RegistryOption configures the ChannelRegistry.
type RegistryOption func(*ChannelRegistry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ChannelRegistry) {
		r.logger = logger
	}
}

// NewChannelRegistry creates a channel registry over the given connection
// manager.
func NewChannelRegistry(manager *ConnectionManager, options ...RegistryOption) (*ChannelRegistry, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	r := &ChannelRegistry{
		manager:  manager,
		logger:   slog.Default(),
		channels: make(map[string]*managedChannel),
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// Channel returns the cached channel for name, creating one over the current
// connection if needed.
func (r *ChannelRegistry) Channel(ctx context.Context, name string) (Channel, error) {
	mc, err := r.channel(ctx, name)
	if err != nil {
		return nil, err
	}
	return mc.ch, nil
}

func (r *ChannelRegistry) channel(ctx context.Context, name string) (*managedChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if mc, ok := r.channels[name]; ok && !mc.ch.IsClosed() {
		return mc, nil
	}
	delete(r.channels, name)

	conn, err := r.manager.GetConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create",
			Channel:   name,
			Err:       errors.Join(ErrChannelCreation, err),
			Timestamp: time.Now(),
		}
	}

	mc := &managedChannel{ch: ch}
	r.channels[name] = mc

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go r.watchChannel(name, mc, closes)

	flows := ch.NotifyFlow(make(chan bool, 1))
	go func() {
		for active := range flows {
			mc.blocked.Store(!active)
		}
	}()

	r.logger.Debug("channel created", "channel", name)
	return mc, nil
}

// watchChannel evicts the registry entry when the channel errors or closes.
// Only the failed channel is affected; siblings stay live.
func (r *ChannelRegistry) watchChannel(name string, mc *managedChannel, closes <-chan *amqp.Error) {
	err, ok := <-closes
	if ok && err != nil {
		r.logger.Warn("channel closed by broker", "channel", name, "error", err)
	}

	r.mu.Lock()
	if cur, exists := r.channels[name]; exists && cur == mc {
		delete(r.channels, name)
	}
	r.mu.Unlock()
}

// Flowing reports whether the named channel is currently accepting publishes.
// It returns true for channels that do not exist yet.
func (r *ChannelRegistry) Flowing(name string) bool {
	r.mu.Lock()
	mc, ok := r.channels[name]
	r.mu.Unlock()

	if !ok {
		return true
	}
	return !mc.blocked.Load()
}

// DeclareExchange declares an exchange on the named channel. Idempotent for
// identical parameters; errors surface directly to the caller.
func (r *ChannelRegistry) DeclareExchange(ctx context.Context, channel string, ex ExchangeDeclaration) error {
	ch, err := r.Channel(ctx, channel)
	if err != nil {
		return err
	}

	err = ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      ex.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareQueue declares a queue on the named channel.
func (r *ChannelRegistry) DeclareQueue(ctx context.Context, channel string, q QueueDeclaration) (amqp.Queue, error) {
	ch, err := r.Channel(ctx, channel)
	if err != nil {
		return amqp.Queue{}, err
	}

	declared, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      q.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return declared, nil
}

// BindQueue binds a queue to an exchange on the named channel.
func (r *ChannelRegistry) BindQueue(ctx context.Context, channel string, b Binding) error {
	ch, err := r.Channel(ctx, channel)
	if err != nil {
		return err
	}

	err = ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      b.Queue + " -> " + b.Exchange,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// SetPrefetch bounds the number of unacknowledged deliveries outstanding on
// the named channel. This is the backpressure knob for a slow consumer.
func (r *ChannelRegistry) SetPrefetch(ctx context.Context, channel string, count int) error {
	ch, err := r.Channel(ctx, channel)
	if err != nil {
		return err
	}

	if err := ch.Qos(count, 0, false); err != nil {
		return &TopologyError{
			Component: "qos",
			Name:      channel,
			Op:        "set",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// CloseChannel closes and evicts the named channel. Closing a channel that is
// already closed or was never created is not an error.
func (r *ChannelRegistry) CloseChannel(name string) error {
	r.mu.Lock()
	mc, ok := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()

	if !ok || mc.ch.IsClosed() {
		return nil
	}

	if err := mc.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{
			Op:        "close",
			Channel:   name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// CloseAll closes every cached channel, best effort, and marks the registry
// closed. The last close error is returned.
func (r *ChannelRegistry) CloseAll() error {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*managedChannel)
	r.closed = true
	r.mu.Unlock()

	var lastErr error
	for name, mc := range channels {
		if mc.ch.IsClosed() {
			continue
		}
		if err := mc.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			r.logger.Warn("failed to close channel", "channel", name, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Size returns the number of live cached channels.
func (r *ChannelRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
