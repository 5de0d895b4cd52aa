// Package nats publishes crawl events to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher sends JSON events to "<prefix>.<topic>".
type Publisher struct {
	conn   Conn
	prefix string
}

// Connect dials url and returns a Publisher owning the connection.
func Connect(url, prefix string, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("toolfinder")}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return New(conn, prefix), nil
}

// New creates a Publisher over an open connection.
func New(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: strings.Trim(prefix, ".")}
}

// Publish encodes payload and publishes it. The returned ID is also sent in
// the Nats-Msg-Id header so JetStream consumers can deduplicate.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.conn == nil {
		return "", errors.New("nats connection is not configured")
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	msg := &nats.Msg{Subject: p.subject(topic), Data: data, Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, id)
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))

	if err := p.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return id, nil
}

// Close flushes pending messages and drains the connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func (p *Publisher) subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
