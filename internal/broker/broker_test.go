package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// stubChannel records every operation so tests can assert topology and
// publish calls without a broker.
type stubChannel struct {
	mu         sync.Mutex
	closed     bool
	closeChans []chan *amqp.Error
	flowChans  []chan bool

	exchanges  []ExchangeDeclaration
	queues     []QueueDeclaration
	bindings   []Binding
	qosCount   int
	published  []recordedPublish
	cancelled  []string
	deliveries chan amqp.Delivery

	declareErr error
	publishErr error
	consumeErr error
	closeErr   error
}

type recordedPublish struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

func newStubChannel() *stubChannel {
	return &stubChannel{deliveries: make(chan amqp.Delivery)}
}

func (c *stubChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.exchanges = append(c.exchanges, ExchangeDeclaration{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Arguments: args})
	return nil
}

func (c *stubChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.queues = append(c.queues, QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args})
	return amqp.Queue{Name: name}, nil
}

func (c *stubChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.bindings = append(c.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

func (c *stubChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.qosCount = prefetchCount
	return nil
}

func (c *stubChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, recordedPublish{exchange: exchange, routingKey: key, msg: msg})
	return nil
}

func (c *stubChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *stubChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *stubChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChans = append(c.closeChans, receiver)
	return receiver
}

func (c *stubChannel) NotifyFlow(receiver chan bool) chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flowChans = append(c.flowChans, receiver)
	return receiver
}

func (c *stubChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.closeChans {
		close(ch)
	}
	for _, ch := range c.flowChans {
		close(ch)
	}
	return c.closeErr
}

// breakRemotely simulates a channel-level protocol error from the broker.
func (c *stubChannel) breakRemotely(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.closeChans {
		ch <- &amqp.Error{Code: amqp.ChannelError, Reason: reason}
		close(ch)
	}
	for _, ch := range c.flowChans {
		close(ch)
	}
}

// pauseFlow simulates the broker pausing (or resuming) publishes.
func (c *stubChannel) pauseFlow(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.flowChans {
		ch <- active
	}
}

// stubConn is a fake broker connection handing out stub channels.
type stubConn struct {
	mu         sync.Mutex
	closed     bool
	closeChans []chan *amqp.Error
	channels   []*stubChannel
	channelErr error
}

func (c *stubConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newStubChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *stubConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChans = append(c.closeChans, receiver)
	return receiver
}

func (c *stubConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.closeChans {
		close(ch)
	}
	return nil
}

// dropRemotely simulates the broker dropping the connection.
func (c *stubConn) dropRemotely() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.closeChans {
		ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker went away"}
		close(ch)
	}
}

func (c *stubConn) lastChannel() *stubChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// stubDialer produces fresh stub connections and counts dial attempts.
type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
	errs  []error // consumed in order; nil entries dial successfully
	calls int
}

func (d *stubDialer) dial(url string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &stubConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *stubDialer) lastConn() *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
