package agents

import (
	"regexp"
	"strings"
)

// fileBlockRe matches the "--- path ---" delimiter the coder prompt asks the
// LLM to emit before each file.
var fileBlockRe = regexp.MustCompile(`(?m)^---\s*(\S+)\s*---\s*$`)

// ParseFileBlocks splits LLM output into per-file contents using the
// "--- path ---" delimiter convention. Output with no delimiters is returned
// whole under the fallback name.
func ParseFileBlocks(text, fallbackName string) map[string]string {
	locs := fileBlockRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		trimmed := strings.TrimSpace(stripCodeFences(text))
		if trimmed == "" {
			return nil
		}
		return map[string]string{fallbackName: trimmed + "\n"}
	}

	files := make(map[string]string, len(locs))
	for i, loc := range locs {
		name := text[loc[2]:loc[3]]
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		content := strings.TrimSpace(stripCodeFences(text[start:end]))
		if content != "" {
			files[name] = content + "\n"
		}
	}
	return files
}

// stripCodeFences removes surrounding markdown fences the LLM sometimes adds
// despite instructions.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:] // opening fence with optional language tag
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// SplitTestFiles partitions files into sources and tests using common
// Python and JavaScript test naming conventions.
func SplitTestFiles(files map[string]string) (sources, tests map[string]string) {
	sources = map[string]string{}
	tests = map[string]string{}
	for name, content := range files {
		if isTestFile(name) {
			tests[name] = content
		} else {
			sources[name] = content
		}
	}
	return sources, tests
}

func isTestFile(name string) bool {
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	return strings.HasPrefix(base, "test_") ||
		strings.HasSuffix(base, "_test.py") ||
		strings.HasSuffix(base, ".test.js") ||
		strings.HasSuffix(base, ".spec.js")
}

// ParseReviewVerdict extracts the approve/reject decision from the first
// line of the reviewer LLM's output. Anything other than an explicit reject
// counts as approval; the rest of the output becomes the comments.
func ParseReviewVerdict(text string) (decision, comments string) {
	trimmed := strings.TrimSpace(text)
	firstLine := trimmed
	rest := ""
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine = trimmed[:idx]
		rest = strings.TrimSpace(trimmed[idx+1:])
	}

	decision = DecisionApprove
	if strings.Contains(strings.ToUpper(firstLine), "REJECT") {
		decision = DecisionReject
	}
	if rest == "" {
		rest = firstLine
	}
	return decision, rest
}
