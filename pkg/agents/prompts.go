package agents

import "fmt"

// Stage prompt templates. Kept deliberately plain: the pipeline's contract
// with the LLM is the file-block convention of parse.go and the first-line
// verdict convention of the reviewer, nothing more.

func plannerPrompt(prompt string) string {
	return fmt.Sprintf(`You are the planning agent of a software delivery pipeline.

Task:
%s

Produce a concise numbered implementation plan (5-10 steps) covering the
components to build, the data they exchange, and how the result will be
verified. Output the plan only.`, prompt)
}

func architectPrompt(taskPrompt, plan string) string {
	return fmt.Sprintf(`You are the architecture agent of a software delivery pipeline.

Task:
%s

Implementation plan:
%s

Propose a concrete architecture: the modules/files to create, the public
interface of each, and the data flow between them. Output the architecture
description only.`, taskPrompt, plan)
}

func coderPrompt(taskPrompt, architecture string) string {
	return fmt.Sprintf(`You are the coding agent of a software delivery pipeline.

Task:
%s

Architecture:
%s

Write the complete implementation in Python, including pytest tests.
Emit every file as a block of the form:

--- path/to/file.py ---
<file contents>

Name test files test_*.py. Output file blocks only, no commentary.`, taskPrompt, architecture)
}

func reviewerPrompt(taskPrompt, testOutput string, passed bool) string {
	verdict := "failed"
	if passed {
		verdict = "passed"
	}
	return fmt.Sprintf(`You are the review agent of a software delivery pipeline.

Task:
%s

The test run %s. Test output:
%s

Reply with APPROVE or REJECT on the first line, followed by brief review
comments.`, taskPrompt, verdict, testOutput)
}
