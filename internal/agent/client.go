// Package agent defines the uniform Builder/Auditor client contract and its
// provider implementations. Providers are swappable behind the Client
// interface; the router and supervisor never depend on a concrete provider.
package agent

import (
	"context"

	"patchpilot/internal/state"
)

// Role is the agent role for a call.
type Role string

const (
	RoleBuilder Role = "builder"
	RoleAuditor Role = "auditor"
	RoleDoctor  Role = "doctor"
)

// Request is one agent invocation.
type Request struct {
	Role      Role
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the raw provider result plus token accounting.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client is the capability interface every provider adapter implements.
type Client interface {
	// Provider returns the provider name used for quota accounting.
	Provider() string
	// Invoke performs one blocking call. Implementations must honor ctx
	// cancellation and classify nothing: transport errors come back raw and
	// are classified by the doctor.
	Invoke(ctx context.Context, req Request) (Response, error)
}

// FilePayload is one file of a builder patch proposal.
type FilePayload struct {
	Path string `json:"path"`
	// Mode is "full_file" or "diff".
	Mode    string `json:"mode"`
	Content string `json:"content,omitempty"`
	// Hunks is the unified-diff hunk list for diff mode.
	Hunks []HunkPayload `json:"hunks,omitempty"`
}

// HunkPayload is one hunk of a diff-mode file payload.
type HunkPayload struct {
	OldStart int      `json:"old_start"`
	OldCount int      `json:"old_count"`
	NewStart int      `json:"new_start"`
	NewCount int      `json:"new_count"`
	Lines    []string `json:"lines"` // Prefixed with ' ', '+', '-'
}

// BuilderResult is the structured payload a Builder call must produce.
type BuilderResult struct {
	Summary string        `json:"summary"`
	Files   []FilePayload `json:"files"`
}

// Verdict is an auditor's accept/reject decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// AuditorResult is the structured payload an Auditor call must produce.
type AuditorResult struct {
	Verdict Verdict       `json:"verdict"`
	Issues  []state.Issue `json:"issues,omitempty"`
	Summary string        `json:"summary,omitempty"`
}
