package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherInitialize(t *testing.T) {
	t.Run("declares the exchange durable", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")

		err := pub.Initialize(context.Background())
		require.NoError(t, err)

		ch := conn.lastChannel(t)
		require.Len(t, ch.exchanges, 1)
		assert.Equal(t, "orders", ch.exchanges[0].name)
		assert.Equal(t, "topic", ch.exchanges[0].kind)
		assert.True(t, ch.exchanges[0].durable)
	})

	t.Run("is idempotent", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")

		require.NoError(t, pub.Initialize(context.Background()))
		require.NoError(t, pub.Initialize(context.Background()))

		assert.Len(t, conn.lastChannel(t).exchanges, 1)
	})

	t.Run("honors exchange type override", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "broadcast", WithExchangeType("fanout"))

		require.NoError(t, pub.Initialize(context.Background()))

		assert.Equal(t, "fanout", conn.lastChannel(t).exchanges[0].kind)
	})
}

func TestPublisherPublish(t *testing.T) {
	t.Run("requires initialization", func(t *testing.T) {
		registry, _ := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")

		err := pub.Publish(context.Background(), NewMessage(map[string]string{"id": "1"}), "order.created")
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("serializes the body as json", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")
		require.NoError(t, pub.Initialize(context.Background()))

		err := pub.Publish(context.Background(), NewMessage(map[string]string{"id": "42"}), "order.created")
		require.NoError(t, err)

		got := conn.lastChannel(t).lastPublished(t)
		assert.Equal(t, "orders", got.exchange)
		assert.Equal(t, "order.created", got.key)
		assert.Equal(t, "application/json", got.msg.ContentType)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
		assert.Equal(t, "42", decoded["id"])
	})

	t.Run("passes raw payloads through untouched", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")
		require.NoError(t, pub.Initialize(context.Background()))

		payload := []byte{0x01, 0x02, 0x03}
		err := pub.Publish(context.Background(), NewRawMessage(payload, "application/protobuf"), "order.created")
		require.NoError(t, err)

		got := conn.lastChannel(t).lastPublished(t)
		assert.Equal(t, payload, got.msg.Body)
		assert.Equal(t, "application/protobuf", got.msg.ContentType)
	})

	t.Run("stamps delivery metadata", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders", WithAppID("order-service"))
		require.NoError(t, pub.Initialize(context.Background()))

		before := time.Now()
		msg := NewMessage("hello")
		msg.Headers = map[string]any{"x-tenant": "acme"}
		require.NoError(t, pub.Publish(context.Background(), msg, "order.created"))

		got := conn.lastChannel(t).lastPublished(t)
		assert.NotEmpty(t, got.msg.CorrelationId)
		assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)
		assert.Equal(t, "order-service", got.msg.AppId)
		assert.Equal(t, "acme", got.msg.Headers["x-tenant"])
		assert.False(t, got.msg.Timestamp.Before(before.Truncate(time.Millisecond)))
	})

	t.Run("keeps explicit correlation id and app id", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders", WithAppID("order-service"))
		require.NoError(t, pub.Initialize(context.Background()))

		msg := NewMessage("hello")
		msg.CorrelationID = "corr-7"
		msg.AppID = "billing"
		require.NoError(t, pub.Publish(context.Background(), msg, "order.created"))

		got := conn.lastChannel(t).lastPublished(t)
		assert.Equal(t, "corr-7", got.msg.CorrelationId)
		assert.Equal(t, "billing", got.msg.AppId)
	})

	t.Run("transient delivery for non-persistent messages", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")
		require.NoError(t, pub.Initialize(context.Background()))

		msg := NewMessage("hello")
		msg.Persistent = false
		require.NoError(t, pub.Publish(context.Background(), msg, "order.created"))

		assert.Equal(t, uint8(amqp.Transient), conn.lastChannel(t).lastPublished(t).msg.DeliveryMode)
	})

	t.Run("rejects while flow blocked", func(t *testing.T) {
		registry, conn := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")
		require.NoError(t, pub.Initialize(context.Background()))

		ch := conn.lastChannel(t)
		ch.pauseFlow(false)
		require.Eventually(t, func() bool {
			return !registry.Flowing("publisher:orders")
		}, time.Second, time.Millisecond)

		err := pub.Publish(context.Background(), NewMessage("hello"), "order.created")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPublishRejected)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)
		assert.Equal(t, "order.created", pubErr.RoutingKey)

		ch.pauseFlow(true)
		require.Eventually(t, func() bool {
			return registry.Flowing("publisher:orders")
		}, time.Second, time.Millisecond)

		assert.NoError(t, pub.Publish(context.Background(), NewMessage("hello"), "order.created"))
	})

	t.Run("rejects unserializable bodies", func(t *testing.T) {
		registry, _ := newTestRegistry(t)
		pub := NewPublisher(registry, "orders")
		require.NoError(t, pub.Initialize(context.Background()))

		err := pub.Publish(context.Background(), NewMessage(make(chan int)), "order.created")
		require.Error(t, err)

		var pubErr *PublishError
		assert.ErrorAs(t, err, &pubErr)
	})
}

func TestPublisherPublishWithReply(t *testing.T) {
	registry, conn := newTestRegistry(t)
	pub := NewPublisher(registry, "orders")
	require.NoError(t, pub.Initialize(context.Background()))

	msg := NewMessage("get-status")
	err := pub.PublishWithReply(context.Background(), msg, "order.query", "replies.orders", "req-99")
	require.NoError(t, err)

	got := conn.lastChannel(t).lastPublished(t)
	assert.Equal(t, "replies.orders", got.msg.ReplyTo)
	assert.Equal(t, "req-99", got.msg.CorrelationId)
}

func TestPublisherClose(t *testing.T) {
	registry, conn := newTestRegistry(t)
	pub := NewPublisher(registry, "orders")
	require.NoError(t, pub.Initialize(context.Background()))

	require.NoError(t, pub.Close())
	assert.True(t, conn.lastChannel(t).IsClosed())

	// The next publish acquires a fresh channel from the registry.
	require.NoError(t, pub.Publish(context.Background(), NewMessage("hello"), "order.created"))
	assert.False(t, conn.lastChannel(t).IsClosed())
}
