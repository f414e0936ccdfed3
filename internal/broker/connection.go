package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of an AMQP connection the manager needs. It exists
// so tests can substitute a fake broker without dialing anything.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of an AMQP channel used by this package and the
// messaging layer. *amqp091.Channel satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyFlow(receiver chan bool) chan bool
	IsClosed() bool
	Close() error
}

// Dialer establishes a broker connection from a URL.
type Dialer func(url string) (Connection, error)

// amqpConnection adapts *amqp091.Connection to the Connection interface.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func defaultDialer(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionManager owns a single broker connection. Connect retries with
// capped exponential backoff; a broker-initiated close clears the stored
// reference so the next GetConnection dials afresh.
type ConnectionManager struct {
	url          string
	dial         Dialer
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	conn Connection
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithMaxRetries sets the maximum number of dial attempts per Connect call.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithInitialDelay sets the base delay between dial attempts.
func WithInitialDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.initialDelay = delay
	}
}

// WithMaxDelay caps the delay between dial attempts.
func WithMaxDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithDialer replaces the AMQP dialer, used by tests.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:          url,
		dial:         defaultDialer,
		maxRetries:   5,
		initialDelay: 1 * time.Second,
		maxDelay:     30 * time.Second,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection. It is idempotent: if a live connection
// exists it returns immediately. Otherwise it dials up to maxRetries times,
// sleeping min(initialDelay*2^attempt, maxDelay) between attempts, and returns
// a *ConnectionError wrapping the last dial failure once attempts run out.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connectLocked(ctx)
}

func (cm *ConnectionManager) connectLocked(ctx context.Context) error {
	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}
	cm.conn = nil

	var lastErr error
	for attempt := 0; attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt-1, cm.initialDelay, cm.maxDelay)):
			case <-ctx.Done():
				return &ConnectionError{
					Op:        "connect",
					URL:       SanitizeURL(cm.url),
					Err:       ctx.Err(),
					Timestamp: time.Now(),
					Attempts:  attempt,
				}
			}
		}

		conn, err := cm.dial(cm.url)
		if err != nil {
			lastErr = err
			cm.logger.Warn("broker dial failed",
				"url", SanitizeURL(cm.url),
				"attempt", attempt+1,
				"maxRetries", cm.maxRetries,
				"error", err)
			continue
		}

		cm.conn = conn
		closes := conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watchClose(conn, closes)

		cm.logger.Info("connected to broker",
			"url", SanitizeURL(cm.url),
			"attempt", attempt+1)
		return nil
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	}
}

// GetConnection returns the active connection, connecting first if none
// exists.
func (cm *ConnectionManager) GetConnection(ctx context.Context) (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := cm.connectLocked(ctx); err != nil {
		return nil, err
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close gracefully closes the connection and clears the reference. It is safe
// to call when not connected.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil
	}

	err := cm.conn.Close()
	cm.conn = nil
	return err
}

// watchClose clears the stored reference when the broker drops the
// connection. Reconnection happens lazily on the next GetConnection.
func (cm *ConnectionManager) watchClose(conn Connection, closes <-chan *amqp.Error) {
	err, ok := <-closes
	if ok && err != nil {
		cm.logger.Error("broker connection closed", "error", err)
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.mu.Unlock()
}

// backoffDelay computes min(base*2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
