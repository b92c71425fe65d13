package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePytestSummary(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   TestStats
	}{
		{
			name:   "all passed",
			output: "=== 5 passed in 0.12s ===",
			want:   TestStats{Passed: 5},
		},
		{
			name:   "mixed results",
			output: "=== 3 passed, 1 failed, 2 skipped in 1.40s ===",
			want:   TestStats{Passed: 3, Failed: 1, Skipped: 2},
		},
		{
			name:   "collection errors",
			output: "=== 1 failed, 2 errors in 0.30s ===",
			want:   TestStats{Failed: 1, Errors: 2},
		},
		{
			name: "with coverage report",
			output: "=== 4 passed in 0.50s ===\n" +
				"Name      Stmts   Miss  Cover\n" +
				"-----------------------------\n" +
				"app.py       50      5    90%\n" +
				"TOTAL        50      5    90%\n",
			want: TestStats{Passed: 4, Coverage: 90, HasCoverage: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, ok := ParsePytestSummary(tt.output)
			require.True(t, ok)
			assert.Equal(t, tt.want, *stats)
		})
	}
}

func TestParsePytestSummaryUnparseable(t *testing.T) {
	for _, output := range []string{"", "pytest: command not found", "Traceback (most recent call last):"} {
		stats, ok := ParsePytestSummary(output)
		assert.False(t, ok)
		assert.Nil(t, stats)
	}
}

func TestParseJestSummary(t *testing.T) {
	output := "PASS ./sum.test.js\nFAIL ./div.test.js\n\n" +
		"Test Suites: 1 failed, 1 passed, 2 total\n" +
		"Tests:       2 failed, 1 skipped, 7 passed, 10 total\n" +
		"Time:        1.2 s\n"

	stats, ok := ParseJestSummary(output)
	require.True(t, ok)
	assert.Equal(t, 7, stats.Passed)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
}

func TestParseJestSummaryAbsent(t *testing.T) {
	stats, ok := ParseJestSummary("npm ERR! missing script: test")
	assert.False(t, ok)
	assert.Nil(t, stats)
}

func TestTestStatsHelpers(t *testing.T) {
	passed := &TestStats{Passed: 3}
	assert.True(t, passed.AllPassed())
	assert.Equal(t, 3, passed.Total())
	assert.Equal(t, "3 passed, 0 failed", passed.Summary())

	failed := &TestStats{Passed: 2, Failed: 1, Skipped: 1}
	assert.False(t, failed.AllPassed())
	assert.Equal(t, 4, failed.Total())
	assert.Equal(t, "2 passed, 1 failed, 1 skipped", failed.Summary())

	empty := &TestStats{}
	assert.False(t, empty.AllPassed(), "zero tests is not a pass")

	var nilStats *TestStats
	assert.False(t, nilStats.AllPassed())
	assert.Equal(t, 0, nilStats.Total())
	assert.Equal(t, "no test summary", nilStats.Summary())
}

func TestTestStatsSummaryWithCoverage(t *testing.T) {
	s := &TestStats{Passed: 4, Coverage: 90, HasCoverage: true}
	assert.Equal(t, "4 passed, 0 failed, coverage 90%", s.Summary())
}
