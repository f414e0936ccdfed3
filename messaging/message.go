package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the outbound envelope. Payload carries raw bytes; when it is nil
// the Body is JSON-marshaled at publish time. Timestamp is epoch milliseconds.
type Message struct {
	Payload       []byte
	Body          any
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Persistent    bool
	Timestamp     int64
	AppID         string
	Headers       map[string]any
}

// NewMessage creates a persistent message around body with a fresh
// correlation id and the current timestamp.
func NewMessage(body any) *Message {
	return &Message{
		Body:          body,
		CorrelationID: uuid.New().String(),
		Persistent:    true,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// NewRawMessage creates a persistent message around a pre-encoded payload.
func NewRawMessage(payload []byte, contentType string) *Message {
	return &Message{
		Payload:       payload,
		ContentType:   contentType,
		CorrelationID: uuid.New().String(),
		Persistent:    true,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// encode returns the wire bytes and content type for the message.
func (m *Message) encode() ([]byte, string, error) {
	if m.Payload != nil {
		contentType := m.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return m.Payload, contentType, nil
	}

	data, err := json.Marshal(m.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode message body: %w", err)
	}
	return data, "application/json", nil
}

// Properties is the immutable view of a delivery handed to the handler.
type Properties struct {
	RoutingKey    string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	AppID         string
	DeliveryTag   uint64
	Redelivered   bool
	Timestamp     time.Time
	Headers       map[string]any
}

// MessageHandler processes a delivery. Returning nil acknowledges the
// message; returning an error rejects it without requeue, handing it to the
// queue's dead-letter policy.
type MessageHandler interface {
	Handle(ctx context.Context, payload []byte, props Properties) error
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(ctx context.Context, payload []byte, props Properties) error

// Handle implements MessageHandler.
func (f HandlerFunc) Handle(ctx context.Context, payload []byte, props Properties) error {
	return f(ctx, payload, props)
}
