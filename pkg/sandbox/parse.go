package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

// TestStats are the counts parsed from a test runner's summary output.
// Coverage is a percentage in [0,100]; HasCoverage distinguishes a reported
// 0% from no coverage report at all.
type TestStats struct {
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Errors      int     `json:"errors"`
	Coverage    float64 `json:"coverage,omitempty"`
	HasCoverage bool    `json:"has_coverage,omitempty"`
}

var (
	// "== 3 passed, 1 failed, 2 skipped, 1 error in 0.12s =="
	pytestCountRe = regexp.MustCompile(`(\d+) (passed|failed|skipped|errors?)\b`)
	// coverage.py terminal report: "TOTAL    120    12    90%"
	coverageTotalRe = regexp.MustCompile(`(?m)^TOTAL\s+\d+\s+\d+\s+(\d+)%`)
	// "Tests:       1 failed, 2 skipped, 5 passed, 8 total"
	jestSummaryRe = regexp.MustCompile(`(?m)^Tests:\s+(.+)$`)
	jestCountRe   = regexp.MustCompile(`(\d+) (passed|failed|skipped|todo)`)
)

// ParsePytestSummary extracts pass/fail/skip/error counts from pytest
// output, plus the overall coverage percentage when a coverage.py report is
// present. Returns false when no summary counts were found.
func ParsePytestSummary(output string) (*TestStats, bool) {
	matches := pytestCountRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil, false
	}

	stats := &TestStats{}
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "passed":
			stats.Passed = n
		case "failed":
			stats.Failed = n
		case "skipped":
			stats.Skipped = n
		case "error", "errors":
			stats.Errors = n
		}
	}

	if cov := coverageTotalRe.FindStringSubmatch(output); cov != nil {
		if pct, err := strconv.ParseFloat(cov[1], 64); err == nil {
			stats.Coverage = pct
			stats.HasCoverage = true
		}
	}
	return stats, true
}

// ParseJestSummary extracts counts from a jest-style "Tests:" summary line.
// Returns false when the line is absent.
func ParseJestSummary(output string) (*TestStats, bool) {
	line := jestSummaryRe.FindStringSubmatch(output)
	if line == nil {
		return nil, false
	}

	stats := &TestStats{}
	for _, m := range jestCountRe.FindAllStringSubmatch(line[1], -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "passed":
			stats.Passed = n
		case "failed":
			stats.Failed = n
		case "skipped":
			stats.Skipped = n
		}
	}
	return stats, true
}

// Total returns the sum of all counted outcomes.
func (s *TestStats) Total() int {
	if s == nil {
		return 0
	}
	return s.Passed + s.Failed + s.Skipped + s.Errors
}

// AllPassed reports whether the run had at least one test and no failures or
// errors.
func (s *TestStats) AllPassed() bool {
	return s != nil && s.Passed > 0 && s.Failed == 0 && s.Errors == 0
}

// Summary renders the stats in a compact single-line form for event payloads
// and logs.
func (s *TestStats) Summary() string {
	if s == nil {
		return "no test summary"
	}
	parts := []string{
		strconv.Itoa(s.Passed) + " passed",
		strconv.Itoa(s.Failed) + " failed",
	}
	if s.Skipped > 0 {
		parts = append(parts, strconv.Itoa(s.Skipped)+" skipped")
	}
	if s.Errors > 0 {
		parts = append(parts, strconv.Itoa(s.Errors)+" errors")
	}
	if s.HasCoverage {
		parts = append(parts, "coverage "+strconv.FormatFloat(s.Coverage, 'f', -1, 64)+"%")
	}
	return strings.Join(parts, ", ")
}
