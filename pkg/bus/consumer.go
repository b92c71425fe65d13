package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is a handler's verdict on one delivered event.
type Outcome int

// Handler outcomes. Anything a handler panics with is converted to
// OutcomeFatal by the consumer.
const (
	OutcomeOK Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// HandlerFunc processes one delivered event and reports an outcome.
// A non-nil error accompanies retry/fatal outcomes for logging.
type HandlerFunc func(ctx context.Context, evt *Event) (Outcome, error)

// DedupChecker decides whether a delivered event is a replay whose
// side-effect has already been recorded. Replays are acknowledged without
// re-invoking the handler. Implementations typically consult the audit
// store; a nil checker disables deduplication.
type DedupChecker interface {
	AlreadyHandled(ctx context.Context, evt *Event, agent string) (bool, error)
}

// TaskFailer transitions a task to its failed state when one of its events
// can no longer be processed. Dead-lettering alone would leave the task row
// reporting a live pipeline forever.
type TaskFailer interface {
	MarkTaskFailed(ctx context.Context, taskID, phase string) error
}

// Consumer retry/reconnect policy.
const (
	// MaxDeliveryAttempts bounds handler retries; an event on its third
	// attempt that still asks for retry is dead-lettered.
	MaxDeliveryAttempts = 3

	connectionErrorSleep = 5 * time.Second
	unexpectedErrorSleep = 10 * time.Second
)

// Consumer delivers events from one agent queue to a handler, running an
// infinite reconnection loop. Each worker owns exactly one consumer; the
// consumer owns its own broker connection.
type Consumer struct {
	agent  string
	queue  QueueSpec
	url    string
	dedup  DedupChecker
	failer TaskFailer

	stopCh   chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates a consumer for the named agent's queue.
// dedup may be nil (replays re-run the handler); failer may be nil (tasks
// whose events dead-letter are not transitioned).
func NewConsumer(agent string, queue QueueSpec, brokerURL string, dedup DedupChecker, failer TaskFailer) *Consumer {
	return &Consumer{
		agent:  agent,
		queue:  queue,
		url:    brokerURL,
		dedup:  dedup,
		failer: failer,
		stopCh: make(chan struct{}),
	}
}

// Stop signals the consumer to shut down cooperatively. Safe to call
// multiple times.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// StartConsuming blocks, delivering messages to handler one at a time
// (prefetch bounds in-flight messages). It reconnects forever: 5s after
// connection-family errors, 10s after unexpected ones. It returns when the
// context is cancelled or Stop is called.
func (c *Consumer) StartConsuming(ctx context.Context, handler HandlerFunc, prefetch int) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	log := slog.With("agent", c.agent, "queue", c.queue.Name)

	for {
		if c.stopped(ctx) {
			c.closeResources()
			log.Info("Consumer stopped")
			return nil
		}

		if err := c.connect(prefetch); err != nil {
			log.Warn("Consumer connect failed", "error", err)
			c.closeResources()
			c.sleep(ctx, connectionErrorSleep)
			continue
		}

		err := c.consume(ctx, handler, log)
		c.closeResources()
		switch {
		case err == nil:
			// Clean return: stop or context cancellation.
		case isConnectionError(err):
			log.Warn("Consumer lost connection, reconnecting", "error", err)
			c.sleep(ctx, connectionErrorSleep)
		default:
			log.Error("Consumer hit unexpected error, restarting", "error", err)
			c.sleep(ctx, unexpectedErrorSleep)
		}
	}
}

// connect dials the broker, opens a channel with the requested prefetch,
// and defensively re-declares this agent's queue, its bindings, and the
// dead-letter pair the queue's arguments reference (all of it can be lost
// after a broker rebuild).
func (c *Consumer) connect(prefetch int) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declaring exchange: %w", err)
	}
	if err := DeclareDeadLetter(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	if err := DeclareQueue(ch, c.queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

// consume runs one consume session until the delivery channel closes, the
// context is cancelled, or Stop is called.
func (c *Consumer) consume(ctx context.Context, handler HandlerFunc, log *slog.Logger) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("consumer channel is nil")
	}

	deliveries, err := ch.Consume(
		c.queue.Name,
		"",    // auto-generated consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	log.Info("Consumer started")

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp connection error: delivery channel closed")
			}
			c.handleDelivery(ctx, ch, d, handler, log)
		}
	}
}

// handleDelivery applies the per-message delivery semantics: malformed
// messages are dead-lettered immediately, replays are acked without
// re-execution, and handler outcomes map to ack / requeue / dead-letter.
func (c *Consumer) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, handler HandlerFunc, log *slog.Logger) {
	evt, err := UnmarshalEvent(d.Body)
	if err != nil {
		log.Warn("Malformed event, dead-lettering", "error", err)
		_ = d.Nack(false, false)
		return
	}

	log = log.With("event_id", evt.EventID, "event_type", evt.Type,
		"task_id", evt.TaskID, "attempt", evt.Attempt)

	if c.dedup != nil {
		handled, derr := c.dedup.AlreadyHandled(ctx, evt, c.agent)
		if derr != nil {
			log.Warn("Dedup check failed, processing anyway", "error", derr)
		} else if handled {
			log.Info("Replayed event already handled, acknowledging")
			_ = d.Ack(false)
			return
		}
	}

	outcome, herr := c.invoke(ctx, handler, evt)

	switch outcome {
	case OutcomeOK:
		_ = d.Ack(false)
	case OutcomeRetry:
		if evt.Attempt >= MaxDeliveryAttempts {
			log.Error("Retries exhausted, dead-lettering", "error", herr)
			c.failTask(ctx, evt, log)
			_ = d.Nack(false, false)
			return
		}
		log.Warn("Handler asked for retry, requeueing", "error", herr)
		if err := c.requeue(ctx, ch, d, evt); err != nil {
			// Requeue failed; fall back to a broker-level requeue so the
			// message is not lost. The attempt count stays unchanged.
			log.Warn("Requeue publish failed, nacking with requeue", "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	default:
		log.Error("Handler returned fatal, dead-lettering", "error", herr)
		c.failTask(ctx, evt, log)
		_ = d.Nack(false, false)
	}
}

// failTask transitions the event's task to failed before its message is
// dead-lettered, so the task row does not report a live pipeline forever.
// Best-effort: a store error must not block the nack.
func (c *Consumer) failTask(ctx context.Context, evt *Event, log *slog.Logger) {
	if c.failer == nil {
		return
	}
	if err := c.failer.MarkTaskFailed(ctx, evt.TaskID, c.agent); err != nil {
		log.Error("Failed to mark task failed", "error", err)
	}
}

// requeue republishes the event to its origin exchange and routing key with
// the attempt count incremented, so redeliveries are bounded.
func (c *Consumer) requeue(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, evt *Event) error {
	retry := *evt
	retry.Attempt = evt.Attempt + 1
	body, err := retry.Marshal()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx,
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    retry.EventID,
			Timestamp:    retry.Timestamp,
			Body:         body,
		})
}

// invoke calls the handler, converting a panic into a fatal outcome.
func (c *Consumer) invoke(ctx context.Context, handler HandlerFunc, evt *Event) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFatal
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

// stopped reports whether shutdown has been requested.
func (c *Consumer) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d or until shutdown is requested.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-c.stopCh:
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// closeResources tears down the current connection and channel.
func (c *Consumer) closeResources() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
