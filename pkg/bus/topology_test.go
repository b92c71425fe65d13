package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueBindingTable(t *testing.T) {
	expected := map[string][]string{
		"planner-queue":      {"catalyst.task.initiated"},
		"architect-queue":    {"catalyst.plan.created"},
		"coder-queue":        {"catalyst.architecture.proposed"},
		"tester-queue":       {"catalyst.code.pr.opened"},
		"reviewer-queue":     {"catalyst.test.results"},
		"deployer-queue":     {"catalyst.review.decision"},
		"explorer-queue":     {"catalyst.explorer.scan.request"},
		"orchestrator-queue": {"catalyst.*.complete"},
	}

	require.Len(t, Queues, len(expected))
	for _, q := range Queues {
		assert.Equal(t, expected[q.Name], q.Keys, "bindings for %s", q.Name)
	}
}

func TestQueueForAgent(t *testing.T) {
	q, ok := QueueForAgent("tester")
	require.True(t, ok)
	assert.Equal(t, "tester-queue", q.Name)

	_, ok = QueueForAgent("nonexistent")
	assert.False(t, ok)
}

func TestQueueArgs(t *testing.T) {
	args := queueArgs()
	assert.Equal(t, int32(3600000), args["x-message-ttl"])
	assert.Equal(t, int32(10000), args["x-max-length"])
	assert.Equal(t, DeadLetterExchange, args["x-dead-letter-exchange"])
}
