package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Auditor records published events in the audit store. Writes are
// best-effort: the broker remains the source of truth for delivery.
type Auditor interface {
	RecordEvent(ctx context.Context, evt *Event) error
}

// Publisher retry policy.
const (
	// publishMaxAttempts is the initial publish plus three retries on
	// connection-family failures.
	publishMaxAttempts = 4
	publishBackoffUnit = 500 * time.Millisecond
	auditWriteTimeout  = 5 * time.Second
)

// Publisher is the single process-wide outbound path to the broker. It
// holds one connection and channel, serialises all publishes, reconnects
// when the channel has gone stale, and retries connection-family failures
// with linear backoff.
type Publisher struct {
	url     string
	auditor Auditor
	dial    func(url string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher creates a publisher. The connection is established lazily on
// the first Publish. auditor may be nil (audit disabled).
func NewPublisher(brokerURL string, auditor Auditor) *Publisher {
	return &Publisher{url: brokerURL, auditor: auditor, dial: amqp.Dial}
}

// Publish serialises the event, routes it by its type's routing key, and
// publishes it with persistent delivery. On connection-family errors it
// discards the channel, backs off 0.5s x attempt, and retries three times
// after the initial attempt before returning an error. The audit write is
// scheduled asynchronously and never fails the publish.
func (p *Publisher) Publish(ctx context.Context, evt *Event) error {
	body, err := evt.Marshal()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if err := p.ensureChannel(); err != nil {
			lastErr = err
			p.backoff(ctx, attempt)
			continue
		}

		err := p.ch.PublishWithContext(ctx,
			Exchange,
			evt.Type.RoutingKey(),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    evt.EventID,
				Timestamp:    evt.Timestamp,
				Body:         body,
			})
		if err == nil {
			p.scheduleAudit(evt)
			return nil
		}

		lastErr = err
		if !isConnectionError(err) {
			return fmt.Errorf("publishing %s event %s: %w", evt.Type, evt.EventID, err)
		}

		slog.Warn("Publish hit connection error, discarding channel",
			"event_id", evt.EventID,
			"event_type", evt.Type,
			"attempt", attempt,
			"error", err)
		p.discardChannel()
		p.backoff(ctx, attempt)
	}

	return fmt.Errorf("%w: %s event %s: %v", ErrPublishFailed, evt.Type, evt.EventID, lastErr)
}

// Healthy reports whether the publisher currently holds an open connection.
// Used by the health endpoint; a false result only means the lazy connection
// has not been established or has dropped, not that publishing will fail.
func (p *Publisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed()
}

// Close releases the connection and channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// ensureChannel performs the pre-publish heartbeat check: if the connection
// or channel is closed it reconnects and re-declares the exchange.
// Caller must hold p.mu.
func (p *Publisher) ensureChannel() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.discardChannel()

	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("reconnecting publisher: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("re-declaring exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	slog.Info("Publisher connected", "exchange", Exchange)
	return nil
}

// discardChannel drops the current connection and channel without caring
// about close errors; they are already broken.
func (p *Publisher) discardChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// backoff sleeps 0.5s x attempt, bailing out early if ctx is done.
func (p *Publisher) backoff(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(attempt) * publishBackoffUnit):
	}
}

// scheduleAudit writes the event to the audit store asynchronously.
// Failures are logged and swallowed.
func (p *Publisher) scheduleAudit(evt *Event) {
	if p.auditor == nil {
		return
	}
	go func(evt *Event) {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := p.auditor.RecordEvent(ctx, evt); err != nil {
			slog.Warn("Audit write failed for published event",
				"event_id", evt.EventID,
				"event_type", evt.Type,
				"task_id", evt.TaskID,
				"error", err)
		}
	}(evt)
}
