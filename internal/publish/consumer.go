package publish

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/perangel/changeflow"
	"github.com/perangel/changeflow/internal/codec"
)

// Consumer is a Listener that reads events published by a Publisher. Every
// consumer of a queue group receives a share of the subjects' messages.
type Consumer struct {
	url    string
	prefix string
	queue  string
	conn   *nats.Conn
	sub    *nats.Subscription
	msgCh  chan *nats.Msg
	logger *log.Entry
}

// NewConsumer returns a Consumer for every subject under prefix.
func NewConsumer(url, prefix, queue string, logger *log.Logger) *Consumer {
	c := &Consumer{
		url:    url,
		prefix: prefix,
		queue:  queue,
		msgCh:  make(chan *nats.Msg, 1024),
		logger: log.WithField("component", "consumer"),
	}
	if logger != nil {
		c.logger = logger.WithField("component", "consumer")
	}
	return c
}

// Dial connects and subscribes to <prefix>.>.
func (c *Consumer) Dial(ctx context.Context) error {
	conn, err := nats.Connect(c.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn

	subject := c.prefix + ".>"
	if c.queue != "" {
		c.sub, err = conn.ChanQueueSubscribe(subject, c.queue, c.msgCh)
	} else {
		c.sub, err = conn.ChanSubscribe(subject, c.msgCh)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.logger.Infof("subscribed to %s", subject)
	return nil
}

// ListenForChanges decodes received messages into change events.
func (c *Consumer) ListenForChanges(ctx context.Context) (<-chan *changeflow.ChangeEvent, <-chan error) {
	eventCh := make(chan *changeflow.ChangeEvent)
	errCh := make(chan error)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.msgCh:
				e, err := codec.Unmarshal(msg.Data)
				if err != nil {
					select {
					case errCh <- fmt.Errorf("message on %s: %w", msg.Subject, err):
						continue
					case <-ctx.Done():
						return
					}
				}
				select {
				case eventCh <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventCh, errCh
}

// Close unsubscribes and closes the connection.
func (c *Consumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.WithError(err).Warn("failed to unsubscribe")
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
