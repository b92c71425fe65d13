// Package agents implements the six pipeline stage handlers and the dispatch
// table that maps event types onto them. Handlers are the only place the
// external LLM collaborator is consulted; each handler publishes exactly one
// downstream event.
package agents

import (
	"encoding/json"
	"fmt"

	"github.com/catalyst-dev/catalyst/pkg/sandbox"
)

// Agent names. These double as the audit actor and the queue owner.
const (
	AgentPlanner      = "planner"
	AgentArchitect    = "architect"
	AgentCoder        = "coder"
	AgentTester       = "tester"
	AgentReviewer     = "reviewer"
	AgentDeployer     = "deployer"
	AgentOrchestrator = "orchestrator"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// TaskPayload is carried by task.initiated.
type TaskPayload struct {
	Prompt string `json:"prompt"`
}

// PlanPayload is carried by plan.created.
type PlanPayload struct {
	Plan string `json:"plan"`
}

// ArchitecturePayload is carried by architecture.proposed.
type ArchitecturePayload struct {
	Architecture string `json:"architecture"`
}

// CodePayload is carried by code.pr.opened. Files and TestFiles map
// workspace-relative paths to contents; PRRef names the change for humans.
type CodePayload struct {
	Files     map[string]string `json:"files"`
	TestFiles map[string]string `json:"test_files"`
	PRRef     string            `json:"pr_ref"`
}

// TestResultsPayload is carried by test.results.
type TestResultsPayload struct {
	Passed bool               `json:"passed"`
	Stats  *sandbox.TestStats `json:"stats,omitempty"`
	Output string             `json:"output"`
}

// ReviewPayload is carried by review.decision.
type ReviewPayload struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

// DeployPayload is carried by deploy.complete and deploy.failed. ArtifactRef
// is non-empty on success; Reason explains a failure or rejection.
type DeployPayload struct {
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ScanRequestPayload is carried by explorer.scan.request.
type ScanRequestPayload struct {
	Target string `json:"target"`
}

// ScanCompletePayload is carried by explorer.scan.complete.
type ScanCompletePayload struct {
	Target  string   `json:"target"`
	Summary string   `json:"summary"`
	Files   []string `json:"files,omitempty"`
}

// decodePayload unmarshals an event payload into out with a typed error.
func decodePayload(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %T payload: %w", out, err)
	}
	return nil
}

func marshalPayload(in any) (json.RawMessage, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding %T payload: %w", in, err)
	}
	return raw, nil
}
