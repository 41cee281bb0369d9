// Package engine implements the orchestration core: the phase state
// machine, session/checkpoint store, adapter-fallback scheduling, the
// plan/execute/audit loop, per-file parallel pipelining, watch-driven
// re-runs, and the bounded recovery path.
package engine

import "time"

// Phase is a state in the pipeline state machine (spec §4.8.1).
type Phase string

const (
	PhaseInit             Phase = "init"
	PhasePlanning         Phase = "planning"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseRejected         Phase = "rejected"
	PhaseExecuting        Phase = "executing"
	PhaseAuditing         Phase = "auditing"
	PhaseFixing           Phase = "fixing"
	PhaseTesting          Phase = "testing"
	PhaseCommitting       Phase = "committing"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
	PhaseMaxIterations    Phase = "max_iterations"
)

// terminalPhases are phases from which no further transition occurs.
var terminalPhases = map[Phase]bool{
	PhaseRejected:      true,
	PhaseCompleted:     true,
	PhaseFailed:        true,
	PhaseMaxIterations: true,
}

// IsTerminal reports whether p is a terminal phase.
func (p Phase) IsTerminal() bool {
	return terminalPhases[p]
}

// RoleStatus is the lifecycle of one of the four pipeline roles within a
// session.
type RoleStatus string

const (
	RoleIdle       RoleStatus = "idle"
	RoleInProgress RoleStatus = "in_progress"
	RoleCompleted  RoleStatus = "completed"
	RoleFailed     RoleStatus = "failed"
)

// Role identifies one of the four pipeline slots.
type Role string

const (
	RoleArchitect  Role = "architect"
	RoleExecutor   Role = "executor"
	RoleAuditor    Role = "auditor"
	RoleConsultant Role = "consultant"
)

// RoleState tracks one role's current status within a session.
type RoleState struct {
	Status         RoleStatus `json:"status"`
	LastDurationMS int64      `json:"last_duration_ms,omitempty"`
}

// Checkpoint is an append-only marker of a notable session transition.
type Checkpoint struct {
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable unit of pipeline state, owned exclusively by the
// SessionStore.
type Session struct {
	ID           string               `json:"id"`
	Task         string               `json:"task"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
	Phase        Phase                `json:"phase"`
	Iteration    int                  `json:"iteration"`
	Roles        map[Role]*RoleState  `json:"roles"`
	Checkpoints  []Checkpoint         `json:"checkpoints"`
	LastError    string               `json:"last_error,omitempty"`
	CanResume    bool                 `json:"can_resume"`
	WorkDir      string               `json:"work_dir"`
	Labels       map[string]string    `json:"labels,omitempty"`
	Pipeline     string               `json:"pipeline"` // "sequential" or "pipelined"
}

// NewSession constructs a fresh Session in PhaseInit.
func NewSession(id, task, workDir string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Task:         task,
		CreatedAt:    now,
		LastActivity: now,
		Phase:        PhaseInit,
		Iteration:    0,
		WorkDir:      workDir,
		Roles: map[Role]*RoleState{
			RoleArchitect:  {Status: RoleIdle},
			RoleExecutor:   {Status: RoleIdle},
			RoleAuditor:    {Status: RoleIdle},
			RoleConsultant: {Status: RoleIdle},
		},
		Checkpoints: nil,
		CanResume:   false,
	}
}

// FileDescriptor is a single target file extracted from a plan by
// PlanParser.
type FileDescriptor struct {
	RelativePath       string `json:"relative_path"`
	HumanDescription   string `json:"human_description"`
}

// Severity is the seriousness of an audit issue.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// AuditIssue is a single finding produced by the Auditor.
type AuditIssue struct {
	File        string   `json:"file"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// AuditStatus is the overall verdict of an AuditResult.
type AuditStatus string

const (
	AuditApproved   AuditStatus = "APPROVED"
	AuditNeedsWork  AuditStatus = "NEEDS_WORK"
)

// AuditResult is the Auditor's structured verdict for one audit pass.
type AuditResult struct {
	Status  AuditStatus  `json:"status"`
	Issues  []AuditIssue `json:"issues"`
	Summary string       `json:"summary,omitempty"`
}

// IsApproved reports whether the result should be treated as approved. An
// empty-issues NEEDS_WORK is still NEEDS_WORK, never silently promoted.
func (r AuditResult) IsApproved() bool {
	return r.Status == AuditApproved
}

// IssuesByFile groups this result's issues by file path.
func (r AuditResult) IssuesByFile() map[string][]AuditIssue {
	out := make(map[string][]AuditIssue)
	for _, issue := range r.Issues {
		out[issue.File] = append(out[issue.File], issue)
	}
	return out
}

// ApprovalDecision is the outcome of the user-facing plan-approval hook.
type ApprovalDecision struct {
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason,omitempty"` // "rejected" or "edit"
	EditedPlanText string `json:"edited_plan_text,omitempty"`
}

// ModelSlotOverride carries a per-call model/reasoning-tier override for an
// adapter invocation, mirroring a provider's multi-tier model lineup.
type ModelSlotOverride struct {
	ModelOverride     string
	ReasoningOverride string
}
