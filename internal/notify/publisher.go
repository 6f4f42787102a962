package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultQueue is the durable queue events are routed to.
const DefaultQueue = "workshop.payments"

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// AMQPPublisher publishes persistent JSON messages to a durable queue on
// the default exchange.  The connection is opened lazily and re-opened
// after a failure.
type AMQPPublisher struct {
	url   string
	queue string
	log   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher returns a publisher for url and queue.
func NewAMQPPublisher(url, queue string, log *zap.Logger) *AMQPPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPPublisher{url: url, queue: queue, log: log}
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	// durable so messages survive broker restarts
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// Publish sends ev.  Failures are returned; callers wanting fire-and-forget
// wrap the publisher in Async.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		// force a fresh channel next time
		_ = ch.Close()
		p.ch = nil
	}
	return err
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Async publishes in a background goroutine with its own deadline and
// only logs failures.
type Async struct {
	next    Publisher
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Publisher, timeout time.Duration, log *zap.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{next: next, timeout: timeout, log: log}
}

// Publish never blocks on the broker and always returns nil.
func (a *Async) Publish(_ context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Publish(ctx, ev); err != nil {
			a.log.Warn("event publish failed", zap.String("type", ev.Type), zap.String("event_id", ev.EventID),
				zap.String("invoice_id", ev.InvoiceID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight publishes finish; used on shutdown.
func (a *Async) Wait() { a.wg.Wait() }

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
