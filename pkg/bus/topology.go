package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker topology constants. The topology is static: one durable topic
// exchange, one durable queue per agent, and a dead-letter queue fed by a
// fanout dead-letter exchange.
const (
	Exchange           = "catalyst.events"
	DeadLetterExchange = "catalyst.dlx"
	DeadLetterQueue    = "failed-events"

	// Per-queue message TTL and length cap.
	queueMessageTTLMS = 3600000 // 1 hour
	queueMaxLength    = 10000
)

// QueueSpec describes one agent queue and the routing keys it is bound with.
type QueueSpec struct {
	Agent string
	Name  string
	Keys  []string
}

// Queues is the full queue/binding table. Consumers re-declare their own
// entry defensively in case bindings are lost after a broker rebuild.
var Queues = []QueueSpec{
	{Agent: "planner", Name: "planner-queue", Keys: []string{TypeTaskInitiated.RoutingKey()}},
	{Agent: "architect", Name: "architect-queue", Keys: []string{TypePlanCreated.RoutingKey()}},
	{Agent: "coder", Name: "coder-queue", Keys: []string{TypeArchitectureProposed.RoutingKey()}},
	{Agent: "tester", Name: "tester-queue", Keys: []string{TypeCodePROpened.RoutingKey()}},
	{Agent: "reviewer", Name: "reviewer-queue", Keys: []string{TypeTestResults.RoutingKey()}},
	{Agent: "deployer", Name: "deployer-queue", Keys: []string{TypeReviewDecision.RoutingKey()}},
	{Agent: "explorer", Name: "explorer-queue", Keys: []string{TypeExplorerScanRequest.RoutingKey()}},
	{Agent: "orchestrator", Name: "orchestrator-queue", Keys: []string{routingKeyPrefix + "*.complete"}},
}

// QueueForAgent returns the queue spec for the named agent.
func QueueForAgent(agent string) (QueueSpec, bool) {
	for _, q := range Queues {
		if q.Agent == agent {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// queueArgs returns the declaration arguments shared by all agent queues.
// Exhausted messages are dead-lettered to the failed-events queue via the
// dead-letter exchange.
func queueArgs() amqp.Table {
	return amqp.Table{
		"x-message-ttl":          int32(queueMessageTTLMS),
		"x-max-length":           int32(queueMaxLength),
		"x-dead-letter-exchange": DeadLetterExchange,
	}
}

// Topology bootstrap connection backoff.
const (
	topologyMaxAttempts  = 10
	topologyBackoffStep  = 2 * time.Second
	topologyBackoffLimit = 20 * time.Second
)

// InitTopology connects to the broker with exponential backoff and declares
// the exchange, all agent queues, the dead-letter queue, and the bindings.
// All declarations are idempotent; re-declaring with identical arguments is
// a no-op, while mismatched arguments surface as an error. It must complete
// before any worker starts.
func InitTopology(ctx context.Context, brokerURL string) error {
	conn, err := dialWithBackoff(ctx, brokerURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening topology channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := DeclareTopology(ch); err != nil {
		return err
	}

	slog.Info("Broker topology initialised",
		"exchange", Exchange,
		"queues", len(Queues)+1)
	return nil
}

// DeclareTopology declares the full topology on an open channel.
// Shared with consumers, which re-declare their own queue on reconnect.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", Exchange, err)
	}
	if err := DeclareDeadLetter(ch); err != nil {
		return err
	}

	for _, q := range Queues {
		if err := DeclareQueue(ch, q); err != nil {
			return err
		}
	}
	return nil
}

// DeclareDeadLetter declares the dead-letter exchange and its queue and
// binds them. Agent queues reference the exchange in their arguments, so it
// must exist wherever those queues are declared or dead-lettered messages
// are silently dropped.
func DeclareDeadLetter(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange %s: %w", DeadLetterExchange, err)
	}
	// Dead-letter queue: durable, no TTL, catches everything on the DLX.
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("binding dead-letter queue: %w", err)
	}
	return nil
}

// DeclareQueue declares one agent queue and its bindings.
func DeclareQueue(ch *amqp.Channel, q QueueSpec) error {
	if _, err := ch.QueueDeclare(q.Name, true, false, false, false, queueArgs()); err != nil {
		return fmt.Errorf("declaring queue %s: %w", q.Name, err)
	}
	for _, key := range q.Keys {
		if err := ch.QueueBind(q.Name, key, Exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s to %s with key %s: %w", q.Name, Exchange, key, err)
		}
	}
	return nil
}

// dialWithBackoff retries the broker connection with a growing delay,
// capped at topologyBackoffLimit between attempts.
func dialWithBackoff(ctx context.Context, brokerURL string) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= topologyMaxAttempts; attempt++ {
		conn, err := amqp.Dial(brokerURL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		delay := time.Duration(attempt) * topologyBackoffStep
		if delay > topologyBackoffLimit {
			delay = topologyBackoffLimit
		}
		slog.Warn("Broker connection failed, retrying",
			"attempt", attempt,
			"max_attempts", topologyMaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("connecting to broker after %d attempts: %w", topologyMaxAttempts, lastErr)
}
