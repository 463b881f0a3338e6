package broker

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/pkg/iu"
)

// memQueueDepth bounds each subscriber's private queue. A subscriber that
// falls this far behind starts losing messages, matching the at-most-once
// contract of the AMQP transport.
const memQueueDepth = 256

// MemBus is an in-process [Bus] with the same delivery semantics as the AMQP
// [Client]: fan-out to all subscribers, at-most-once, per-subscriber ordering.
// It backs single-process deployments and tests.
type MemBus struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool
	done   sync.WaitGroup
}

type memSub struct {
	queue   chan iu.IU
	ctx     context.Context
	handler Handler
}

var _ Bus = (*MemBus)(nil)

// MemBusOption configures a [MemBus].
type MemBusOption func(*MemBus)

// WithMemLogger sets the logger used for delivery diagnostics.
func WithMemLogger(log *slog.Logger) MemBusOption {
	return func(b *MemBus) { b.log = log }
}

// WithMemMetrics sets the metrics sink. Default: [observe.Default].
func WithMemMetrics(m *observe.Metrics) MemBusOption {
	return func(b *MemBus) { b.metrics = m }
}

// NewMemBus creates an empty in-process bus.
func NewMemBus(opts ...MemBusOption) *MemBus {
	b := &MemBus{
		log:  slog.Default(),
		subs: make(map[string][]*memSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.Default()
	}
	return b
}

// Publish fans u out to every subscriber of the exchange. Subscribers with a
// full queue lose the message; Publish never blocks on slow consumers.
//
// The read lock is held across the sends: Close closes the subscriber queues
// under the write lock, so a queue can never be closed while a send to it is
// in flight.
func (b *MemBus) Publish(ctx context.Context, exchange string, u iu.IU) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	for _, sub := range b.subs[exchange] {
		select {
		case sub.queue <- u:
		default:
			b.metrics.DroppedMessages.Add(ctx, 1, metric.WithAttributes(
				attribute.String("exchange", exchange),
			))
			b.log.Warn("broker: subscriber queue full, dropping message",
				"exchange", exchange, "id", u.ID, "kind", u.Kind)
		}
	}
	b.mu.RUnlock()

	b.metrics.PublishedIUs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("kind", string(u.Kind)),
	))
	return nil
}

// Subscribe registers handler on its own queue and starts the delivery loop.
func (b *MemBus) Subscribe(ctx context.Context, exchange string, handler Handler) error {
	sub := &memSub{
		queue:   make(chan iu.IU, memQueueDepth),
		ctx:     ctx,
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[exchange] = append(b.subs[exchange], sub)
	b.done.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.done.Done()
		for {
			select {
			case <-ctx.Done():
				b.remove(exchange, sub)
				return
			case u, ok := <-sub.queue:
				if !ok {
					return
				}
				handler(u)
			}
		}
	}()
	return nil
}

func (b *MemBus) remove(exchange string, target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[exchange]
	for i, sub := range subs {
		if sub == target {
			b.subs[exchange] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Close stops all delivery loops. Queued messages are discarded.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	b.done.Wait()
	return nil
}
