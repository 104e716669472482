// Package publish sends change events to a message broker.
package publish

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/perangel/changeflow"
	"github.com/perangel/changeflow/internal/codec"
)

// Option is a Publisher option function
type Option func(*Publisher)

// MaxReconnects sets how many reconnect attempts are made, -1 for unlimited.
func MaxReconnects(n int) Option {
	return func(p *Publisher) {
		p.maxReconnects = n
	}
}

// ReconnectWait sets the delay between reconnect attempts.
func ReconnectWait(d time.Duration) Option {
	return func(p *Publisher) {
		p.reconnectWait = d
	}
}

// WithLogger is an option for setting the logger
func WithLogger(logger *log.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger.WithField("component", "publisher")
	}
}

// Conn is the subset of *nats.Conn used by the Publisher.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	Flush() error
	Close()
}

// Publisher publishes encoded change events to NATS, one subject per table.
type Publisher struct {
	conn          Conn
	prefix        string
	maxReconnects int
	reconnectWait time.Duration
	logger        *log.Entry
}

// Connect dials the NATS server and returns a Publisher.
func Connect(url, prefix string, opts ...Option) (*Publisher, error) {
	p := newPublisher(nil, prefix, opts...)

	conn, err := nats.Connect(url,
		nats.MaxReconnects(p.maxReconnects),
		nats.ReconnectWait(p.reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				p.logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			p.logger.Warn("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn

	p.logger.Infof("connected to NATS at %s", url)
	return p, nil
}

// New returns a Publisher over an existing connection.
func New(conn Conn, prefix string, opts ...Option) *Publisher {
	return newPublisher(conn, prefix, opts...)
}

func newPublisher(conn Conn, prefix string, opts ...Option) *Publisher {
	p := &Publisher{
		conn:          conn,
		prefix:        prefix,
		maxReconnects: -1,
		reconnectWait: time.Second,
		logger:        log.WithField("component", "publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject an event is published on:
// <prefix>.<schema>.<table>, with tokens NATS would misread replaced.
func (p *Publisher) Subject(e *changeflow.ChangeEvent) string {
	schema := e.SchemaName
	if e.UsingShard && e.LogicSchemaName != "" {
		schema = e.LogicSchemaName
	}
	return strings.Join([]string{p.prefix, subjectToken(schema), subjectToken(e.TableName)}, ".")
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish sends a batch and flushes the connection so the batch is on the
// server before returning.
func (p *Publisher) Publish(batch []*changeflow.ChangeEvent) error {
	for _, e := range batch {
		data, err := codec.Marshal(e)
		if err != nil {
			return err
		}

		msg := nats.NewMsg(p.Subject(e))
		msg.Data = data
		msg.Header.Set("Content-Type", codec.ContentType)
		msg.Header.Set("Event-Type", string(e.EventType))

		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish to NATS: %w", err)
		}
		p.logger.Debugf("published %s event for %s.%s", e.EventType, e.SchemaName, e.TableName)
	}

	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
