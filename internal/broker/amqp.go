package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/pkg/iu"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithPublishGrace sets how long Publish waits for a live connection before
// dropping the message. Default: 2s.
func WithPublishGrace(d time.Duration) ClientOption {
	return func(c *Client) { c.publishGrace = d }
}

// WithLogger sets the logger used for connection and delivery diagnostics.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithMetrics sets the metrics sink. Default: [observe.Default].
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client is a [Bus] backed by an AMQP broker.
//
// Every exchange in [Exchanges] is declared as a non-durable fan-out exchange
// on connect. Each subscription binds its own exclusive auto-delete queue, so
// every subscriber sees every message and per-subscription ordering follows
// publication order. The connection is re-established with bounded backoff
// when it drops; subscriptions are re-bound on the new connection. Messages
// published while the connection is down are held for at most the publish
// grace period, then dropped with a warning.
type Client struct {
	url          string
	publishGrace time.Duration
	log          *slog.Logger
	metrics      *observe.Metrics

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	ready   chan struct{} // closed while a connection is live
	closed  bool
	subs    []*subscription
	closeCh chan struct{}
	done    sync.WaitGroup
}

type subscription struct {
	exchange string
	handler  Handler
	ctx      context.Context
}

var _ Bus = (*Client)(nil)

// Dial connects to the AMQP broker at url and starts the reconnect loop.
// It fails fast if the first connection attempt does not succeed.
func Dial(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:          url,
		publishGrace: 2 * time.Second,
		log:          slog.Default(),
		ready:        make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.Default()
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("broker: initial connect to %q: %w", url, err)
	}

	c.done.Add(1)
	go c.reconnectLoop()
	return c, nil
}

// connect establishes the connection, declares all exchanges and opens the
// shared publish channel. Caller must not hold c.mu.
func (c *Client) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	for _, ex := range Exchanges {
		if err := ch.ExchangeDeclare(ex, "fanout", false, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare exchange %q: %w", ex, err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.pubCh = ch
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	close(c.ready)
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.startConsumer(conn, sub); err != nil {
			c.log.Warn("broker: rebind subscription failed",
				"exchange", sub.exchange, "error", err)
		}
	}
	return nil
}

// reconnectLoop waits for the current connection to die and re-establishes
// it with exponential backoff capped at reconnectMaxDelay.
func (c *Client) reconnectLoop() {
	defer c.done.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closeCh:
			return
		case amqpErr := <-errCh:
			if amqpErr == nil { // clean shutdown
				return
			}
			c.log.Warn("broker: connection lost", "error", amqpErr)
		}

		c.mu.Lock()
		c.ready = make(chan struct{})
		c.mu.Unlock()

		delay := reconnectMinDelay
		for {
			select {
			case <-c.closeCh:
				return
			case <-time.After(delay):
			}
			if err := c.connect(); err == nil {
				c.metrics.BrokerReconnects.Add(context.Background(), 1)
				c.log.Info("broker: reconnected", "url", c.url)
				break
			} else {
				c.log.Warn("broker: reconnect failed", "error", err, "retry_in", delay)
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

// Publish marshals u and sends it on the exchange. When the connection is
// down it waits up to the publish grace period for a reconnect, then drops
// the message.
func (c *Client) Publish(ctx context.Context, exchange string, u iu.IU) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("broker: marshal IU for %q: %w", exchange, err)
	}

	deadline := time.NewTimer(c.publishGrace)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		ready := c.ready
		ch := c.pubCh
		c.mu.Unlock()

		select {
		case <-ready:
		default:
			// Connection down. Wait for reconnect within the grace period.
			select {
			case <-ready:
			case <-deadline.C:
				c.dropMessage(ctx, exchange, u, "publish grace period elapsed")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closeCh:
				return ErrClosed
			}
			continue
		}

		err := ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		})
		if err == nil {
			c.metrics.PublishedIUs.Add(ctx, 1, metric.WithAttributes(
				attribute.String("exchange", exchange),
				attribute.String("kind", string(u.Kind)),
			))
			return nil
		}

		// Channel went stale under us. Retry until the grace period elapses.
		select {
		case <-deadline.C:
			c.dropMessage(ctx, exchange, u, err.Error())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Client) dropMessage(ctx context.Context, exchange string, u iu.IU, reason string) {
	c.metrics.DroppedMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
	))
	c.log.Warn("broker: dropping message",
		"exchange", exchange, "id", u.ID, "kind", u.Kind, "reason", reason)
}

// Subscribe binds an exclusive queue to the exchange and dispatches every
// delivery to handler on a dedicated goroutine. The subscription survives
// reconnects and ends when ctx is cancelled or the client is closed.
func (c *Client) Subscribe(ctx context.Context, exchange string, handler Handler) error {
	sub := &subscription{exchange: exchange, handler: handler, ctx: ctx}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()

	if err := c.startConsumer(conn, sub); err != nil {
		return fmt.Errorf("broker: subscribe to %q: %w", exchange, err)
	}
	return nil
}

// startConsumer opens a channel on conn, binds a fresh exclusive queue for
// sub and starts the delivery loop.
func (c *Client) startConsumer(conn *amqp.Connection, sub *subscription) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", sub.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue to %q: %w", sub.exchange, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume from %q: %w", sub.exchange, err)
	}

	c.done.Add(1)
	go func() {
		defer c.done.Done()
		defer ch.Close()
		for {
			select {
			case <-sub.ctx.Done():
				return
			case <-c.closeCh:
				return
			case d, ok := <-deliveries:
				if !ok {
					// Channel died with the connection; reconnect rebinds us.
					return
				}
				var u iu.IU
				if err := json.Unmarshal(d.Body, &u); err != nil {
					c.metrics.ProtocolViolations.Add(sub.ctx, 1, metric.WithAttributes(
						attribute.String("exchange", sub.exchange),
					))
					c.log.Warn("broker: undecodable message",
						"exchange", sub.exchange, "error", err)
					continue
				}
				sub.handler(u)
			}
		}
	}()
	return nil
}

// Close shuts down the reconnect loop and the connection. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closeCh)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.done.Wait()
	return err
}
