package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/forgepilot/orchestra/internal/audit"
	"github.com/forgepilot/orchestra/internal/engine"
	"github.com/forgepilot/orchestra/internal/scope"
	"github.com/forgepilot/orchestra/internal/telemetry"
)

// buildCallbacks wires every PipelineEngine hook to structured logging, plus
// an interactive or auto-approve plan gate.
func buildCallbacks(logger telemetry.Logger, autoApprove bool) engine.PipelineCallbacks {
	return engine.PipelineCallbacks{
		OnPhaseStart: func(phase engine.Phase, iteration int) {
			logger.Log(telemetry.SeverityInfo, "phase started", map[string]interface{}{
				"phase": string(phase), "iteration": iteration,
			})
		},
		OnPhaseComplete: func(phase engine.Phase, iteration int, detail string) {
			logger.Log(telemetry.SeverityInfo, "phase complete", map[string]interface{}{
				"phase": string(phase), "iteration": iteration, "detail": detail,
			})
		},
		OnError: func(phase engine.Phase, err error) {
			logger.Log(telemetry.SeverityError, "phase error", map[string]interface{}{
				"phase": string(phase), "error": err.Error(),
			})
		},
		OnIteration: func(iteration int) {
			logger.Log(telemetry.SeverityDebug, "iteration advanced", map[string]interface{}{"iteration": iteration})
		},
		OnPlanReady: func(planText string, files []engine.FileDescriptor) {
			fmt.Fprintln(os.Stdout, "\n--- Proposed Plan ---")
			fmt.Fprintln(os.Stdout, planText)
			fmt.Fprintf(os.Stdout, "%d file(s) targeted:\n", len(files))
			for _, fd := range files {
				fmt.Fprintf(os.Stdout, "  - %s: %s\n", fd.RelativePath, fd.HumanDescription)
			}
			fmt.Fprintln(os.Stdout, "---------------------")
		},
		OnFileStart: func(path string) {
			logger.Log(telemetry.SeverityInfo, "generating file", map[string]interface{}{"file": path})
		},
		OnFileComplete: func(path string, err error) {
			fields := map[string]interface{}{"file": path}
			if err != nil {
				fields["error"] = err.Error()
				logger.Log(telemetry.SeverityError, "file generation failed", fields)
				return
			}
			logger.Log(telemetry.SeverityInfo, "file generated", fields)
		},
		OnParallelProgress: func(completed, total int, inProgress []string) {
			logger.Log(telemetry.SeverityDebug, "parallel progress", map[string]interface{}{
				"completed": completed, "total": total, "in_progress": inProgress,
			})
		},
		OnFileAudit: func(path string, result engine.AuditResult) {
			logger.Log(telemetry.SeverityInfo, "file audited", map[string]interface{}{
				"file": path, "status": string(result.Status),
			})
		},
		OnSyntaxCheck: func(path string, result engine.ValidationResult) {
			if !result.Valid {
				logger.Log(telemetry.SeverityWarning, "syntax check failed", map[string]interface{}{
					"file": path, "error": result.Error,
				})
			}
		},
		OnConsultant: func(path string, trigger engine.ConsultantTrigger, outcome engine.ConsultantOutcome) {
			logger.Log(telemetry.SeverityWarning, "consultant invoked", map[string]interface{}{
				"file": path, "trigger": string(trigger), "fixed": outcome.Fixed, "attempts": outcome.Attempts,
			})
		},
		OnAdapterFallback: func(from, to string, reason engine.FallbackReason, role engine.Role) {
			logger.Log(telemetry.SeverityWarning, "adapter fallback", map[string]interface{}{
				"from": from, "to": to, "reason": string(reason), "role": string(role),
			})
		},
		OnRecoveryStart: func(failedFiles []string) {
			logger.Log(telemetry.SeverityWarning, "recovery starting", map[string]interface{}{"files": failedFiles})
		},
		OnRecoveryAttempt: func(attempt, max int, remaining []string) {
			logger.Log(telemetry.SeverityInfo, "recovery attempt", map[string]interface{}{
				"attempt": attempt, "max": max, "remaining": remaining,
			})
		},
		OnFileReverted: func(path string) {
			logger.Log(telemetry.SeverityWarning, "file reverted", map[string]interface{}{"file": path})
		},
		OnFileDeleted: func(path string) {
			logger.Log(telemetry.SeverityWarning, "file deleted", map[string]interface{}{"file": path})
		},
		OnRecoveryComplete: func(result engine.RecoveryResult) {
			logger.Log(telemetry.SeverityInfo, "recovery complete", map[string]interface{}{
				"success": result.Success, "failed": result.Failed,
			})
		},
		OnWatchChange: func(event engine.WatchEvent) {
			logger.Log(telemetry.SeverityInfo, "watch change", map[string]interface{}{"path": event.Path})
		},
		OnWatchRerun: func(trigger engine.WatchEvent, runCount int) {
			logger.Log(telemetry.SeverityInfo, "watch rerun", map[string]interface{}{
				"trigger": trigger.Path, "run_count": runCount,
			})
		},
		OnTestStart: func(command string) {
			fmt.Fprintf(os.Stdout, "running tests: %s\n", command)
		},
		OnTestComplete: func(outcome engine.TestOutcome) {
			logger.Log(telemetry.SeverityInfo, "tests complete", map[string]interface{}{
				"passed": outcome.Passed, "exit_code": outcome.ExitCode,
			})
		},
		OnCommitStart: func(task string) {
			fmt.Fprintf(os.Stdout, "committing: %s\n", task)
		},
		OnCommitComplete: func(outcome engine.CommitOutcome) {
			logger.Log(telemetry.SeverityInfo, "commit complete", map[string]interface{}{
				"sha": outcome.CommitSHA,
			})
		},
		OnResume: func(sessionID string, resumePoint engine.ResumePoint, iteration int) {
			logger.Log(telemetry.SeverityInfo, "resuming session", map[string]interface{}{
				"session_id": sessionID, "resume_point": string(resumePoint), "iteration": iteration,
			})
		},
		OnConfigLoaded: func() {
			logger.Log(telemetry.SeverityDebug, "config loaded", nil)
		},
		OnSecurityAudit: func(event audit.Event) {
			logger.Log(telemetry.SeverityWarning, "security audit", map[string]interface{}{
				"category": string(event.Category), "tool": event.ToolName,
				"agent": event.Agent, "task_id": event.TaskID, "message": event.Message,
			})
		},
		OnScopeViolation: func(result scope.ValidationResult) {
			logger.Log(telemetry.SeverityWarning, "plan scope violation", map[string]interface{}{
				"out_of_scope": result.OutOfScopeFiles, "exempt": result.AllowedExempt,
			})
		},
		HandlePlanApproval: func(planText string) engine.ApprovalDecision {
			if autoApprove {
				return engine.ApprovalDecision{Approved: true}
			}
			return promptPlanApproval()
		},
	}
}

func promptPlanApproval() engine.ApprovalDecision {
	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stdout, "Approve this plan? [Y/n]: ")
	input, err := reader.ReadString('\n')
	if err != nil {
		return engine.ApprovalDecision{Approved: false, Reason: "rejected"}
	}
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" || input == "y" || input == "yes" {
		return engine.ApprovalDecision{Approved: true}
	}
	return engine.ApprovalDecision{Approved: false, Reason: "rejected"}
}
