package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgepilot/orchestra/internal/agent"
	"github.com/forgepilot/orchestra/internal/audit"
	"github.com/forgepilot/orchestra/internal/scope"
	"github.com/forgepilot/orchestra/prompts/roles"
)

// fileSnapshot captures a file's content (and whether it existed at all)
// immediately before the Executor writes it for the first time, so
// RecoveryEngine can revert to what was actually there before this run
// instead of the broken content the Executor just produced.
type fileSnapshot struct {
	content string
	wasNew  bool
}

// RoleAdapters bundles the (fallback-wrapped) adapter for each of the four
// pipeline slots. Executor deliberately has no fallback chain diversity
// requirement here beyond what its own agent.Adapter provides: spec §9
// calls out that Executor uses a single adapter across Fix iterations so
// the generated code keeps one consistent style, while Architect/Auditor/
// Consultant may be FallbackAdapters wrapping multiple providers.
type RoleAdapters struct {
	Architect  agent.Adapter
	Executor   agent.Adapter
	Auditor    agent.Adapter
	Consultant agent.Adapter
}

// PipelineCallbacks is the full onXxx surface spec.md §6 exposes to a host
// (the CLI, a test, a UI). Every field is optional.
type PipelineCallbacks struct {
	OnPhaseStart        func(phase Phase, iteration int)
	OnPhaseComplete     func(phase Phase, iteration int, detail string)
	OnError             func(phase Phase, err error)
	OnIteration         func(iteration int)
	OnPlanReady         func(planText string, files []FileDescriptor)
	OnFileStart         func(path string)
	OnFileComplete      func(path string, err error)
	OnParallelProgress  func(completed, total int, inProgress []string)
	OnFileAudit         func(path string, result AuditResult)
	OnSyntaxCheck       func(path string, result ValidationResult)
	OnConsultant        func(path string, trigger ConsultantTrigger, outcome ConsultantOutcome)
	OnAdapterFallback   OnAdapterFallback
	OnRecoveryStart     func(failedFiles []string)
	OnRecoveryAttempt   func(attempt, max int, remaining []string)
	OnFileReverted      func(path string)
	OnFileDeleted       func(path string)
	OnRecoveryComplete  func(result RecoveryResult)
	OnWatchChange       OnWatchChange
	OnWatchRerun        OnWatchRerun
	OnTestStart         func(command string)
	OnTestComplete      func(outcome TestOutcome)
	OnCommitStart       func(task string)
	OnCommitComplete    func(outcome CommitOutcome)
	OnResume            func(sessionID string, resumePoint ResumePoint, iteration int)
	OnConfigLoaded      func()
	OnSecurityAudit     func(event audit.Event)
	OnScopeViolation    func(result scope.ValidationResult)

	// HandlePlanApproval is the user-facing approval hook. If nil, plans are
	// auto-approved (CLI --auto-approve semantics).
	HandlePlanApproval func(planText string) ApprovalDecision
}

// PipelineOptions configures one PipelineEngine run.
type PipelineOptions struct {
	MaxIterations       int
	MaxConcurrency      int
	Parallel            bool
	PerFilePipeline     bool
	AdapterTimeout      time.Duration
	TestCommand         string
	TestTimeout         time.Duration
	RunTestsAfterGen    bool
	AutoCommit          bool
	CommitMessage       string
	RecoveryAutoActivate bool
	RecoveryMaxAttempts int
	RecoveryTimeout     time.Duration
	AutoRevertOnFailure bool
	EnforceFileScope    bool
}

// PipelineEngine drives a single session through the full state machine:
// Architect → approval → Executor → Audit loop → (Recovery) → Test →
// Commit, in either sequential or per-file pipelined mode.
type PipelineEngine struct {
	store     *SessionStore
	adapters  RoleAdapters
	callbacks PipelineCallbacks
	opts      PipelineOptions
	emitter   *EventEmitter
}

// NewPipelineEngine wires together a SessionStore, the four role adapters,
// callbacks, and run options into one engine instance.
func NewPipelineEngine(store *SessionStore, adapters RoleAdapters, callbacks PipelineCallbacks, opts PipelineOptions) *PipelineEngine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = 600 * time.Second
	}
	return &PipelineEngine{store: store, adapters: adapters, callbacks: callbacks, opts: opts, emitter: NewEventEmitter()}
}

// Run starts a brand new session for task and drives it to a terminal
// phase. It never returns a bare error for an in-pipeline failure; failures
// are reflected in the returned Session's phase and LastError, mirroring
// the engine's no-exception propagation policy. A non-nil error return is
// reserved for session-store/filesystem faults that precede any phase.
func (e *PipelineEngine) Run(ctx context.Context, task, workDir string) (*Session, error) {
	session, err := e.store.Init(task, workDir)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, session, ResumeFromArchitect)
}

// Resume reloads a session and continues it from the appropriate restart
// point per DetermineResumePoint.
func (e *PipelineEngine) Resume(ctx context.Context, sessionID string) (*Session, error) {
	session, err := e.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	planPath := filepath.Join(e.store.SessionDir(sessionID), "plan.md")
	_, statErr := os.Stat(planPath)
	resumePoint := DetermineResumePoint(session, statErr == nil)

	if e.callbacks.OnResume != nil {
		e.callbacks.OnResume(sessionID, resumePoint, session.Iteration)
	}
	if resumePoint == ResumeNone {
		return session, nil
	}
	return e.drive(ctx, session, resumePoint)
}

func (e *PipelineEngine) drive(ctx context.Context, session *Session, resumePoint ResumePoint) (*Session, error) {
	var planText string
	var err error

	if resumePoint == ResumeFromArchitect {
		planText, err = e.runArchitect(ctx, session)
		if err != nil {
			return e.fail(session, PhasePlanning, ReasonAdapterExhausted, err)
		}
	} else {
		planText, err = e.readPlan(session)
		if err != nil {
			return e.fail(session, PhaseExecuting, ReasonFilesystem, err)
		}
	}

	if resumePoint == ResumeFromArchitect || resumePoint == ResumeFromApproval {
		decision := e.approvePlan(planText)
		if !decision.Approved {
			if err := e.store.SetPhase(session, PhaseRejected, "plan-rejected"); err != nil {
				return nil, err
			}
			return session, nil
		}
		if decision.EditedPlanText != "" {
			planText = decision.EditedPlanText
			if err := e.writePlan(session, planText); err != nil {
				return e.fail(session, PhaseExecuting, ReasonFilesystem, err)
			}
			_ = e.store.SetPhase(session, PhaseAwaitingApproval, "plan-edited")
		}
	}

	files := ParsePlan(planText)
	if e.callbacks.OnPlanReady != nil {
		e.callbacks.OnPlanReady(planText, files)
	}
	if len(files) == 0 {
		return e.fail(session, PhaseExecuting, ReasonNoTargets, fmt.Errorf("plan produced no file descriptors"))
	}

	var snapshots map[string]fileSnapshot
	if resumePoint == ResumeFromArchitect || resumePoint == ResumeFromApproval || resumePoint == ResumeFromExecutor {
		var err error
		snapshots, err = e.runExecutor(ctx, session, planText, files)
		if err != nil {
			return e.fail(session, PhaseExecuting, ReasonFilesystem, err)
		}
	}

	failedIssues, err := e.runAuditLoop(ctx, session, planText, files)
	if err != nil {
		var pe *PhaseError
		if !asPhaseError(err, &pe) || pe.Reason != ReasonMaxIterations {
			return e.fail(session, PhaseAuditing, ReasonUnparsableAudit, err)
		}
		if !e.opts.RecoveryAutoActivate {
			return e.fail(session, PhaseAuditing, ReasonMaxIterations, err)
		}
		if recovered := e.runRecovery(ctx, session, planText, failedIssues, snapshots); !recovered.Success {
			return e.fail(session, PhaseAuditing, ReasonMaxIterations, fmt.Errorf("recovery left %d file(s) unresolved", len(recovered.Failed)))
		}
	}

	if e.opts.EnforceFileScope {
		if err := e.enforceFileScope(session, files); err != nil {
			return e.fail(session, PhaseAuditing, ReasonFilesystem, err)
		}
	}

	if e.opts.RunTestsAfterGen {
		if err := e.runTests(ctx, session); err != nil {
			return e.fail(session, PhaseTesting, ReasonTestsFailed, err)
		}
	}

	if e.opts.AutoCommit {
		if err := e.runCommit(ctx, session, files); err != nil {
			return e.fail(session, PhaseCommitting, ReasonCommitFailed, err)
		}
	}

	if err := e.store.SetPhase(session, PhaseCompleted, "pipeline-complete"); err != nil {
		return nil, err
	}
	return session, nil
}

func (e *PipelineEngine) fail(session *Session, phase Phase, reason string, cause error) (*Session, error) {
	phaseErr := NewPhaseError(phase, reason, cause)
	_ = e.store.SetError(session, phaseErr)
	terminal := PhaseFailed
	if reason == ReasonMaxIterations {
		terminal = PhaseMaxIterations
	} else if reason == ReasonPlanRejected {
		terminal = PhaseRejected
	}
	_ = e.store.SetPhase(session, terminal, string(phase)+"-failed")
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(phase, phaseErr)
	}
	return session, nil
}

func (e *PipelineEngine) startPhase(session *Session, phase Phase) {
	_ = e.store.SetPhase(session, phase, "")
	e.emitter.Emit(PipelineEvent{SessionID: session.ID, Iteration: session.Iteration, Type: EventPhaseStart, Phase: phase})
	if e.callbacks.OnPhaseStart != nil {
		e.callbacks.OnPhaseStart(phase, session.Iteration)
	}
}

func (e *PipelineEngine) completePhase(session *Session, phase Phase, checkpoint, detail string) {
	_ = e.store.SetPhase(session, phase, checkpoint)
	e.emitter.Emit(PipelineEvent{SessionID: session.ID, Iteration: session.Iteration, Type: EventPhaseComplete, Phase: phase, Summary: detail})
	if e.callbacks.OnPhaseComplete != nil {
		e.callbacks.OnPhaseComplete(phase, session.Iteration, detail)
	}
}

// OnEvent registers a listener on this engine's event stream, alongside the
// per-field PipelineCallbacks surface.
func (e *PipelineEngine) OnEvent(listener func(PipelineEvent)) {
	e.emitter.OnEvent(listener)
}

// AttachEventSink durably records this engine's event stream to sink.
func (e *PipelineEngine) AttachEventSink(sink *EventSink) {
	e.emitter.AttachSink(sink)
}

// RunWatch wraps Run in a WatchEngine: every change under paths re-triggers
// a fresh session for task, debounced per WatchEngine's policy. Each
// re-run starts again from the Architect; no earlier plan is reused.
func (e *PipelineEngine) RunWatch(ctx context.Context, task, workDir string, paths []string) error {
	rerun := func(ctx context.Context, trigger WatchEvent) error {
		_, err := e.Run(ctx, task, workDir)
		return err
	}
	watcher, err := NewWatchEngine(paths, rerun, e.callbacks.OnWatchChange, e.callbacks.OnWatchRerun)
	if err != nil {
		return err
	}
	return watcher.Run(ctx)
}

func (e *PipelineEngine) runArchitect(ctx context.Context, session *Session) (string, error) {
	e.startPhase(session, PhasePlanning)
	_ = e.store.SetRoleStatus(session, RoleArchitect, RoleInProgress, 0)

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()

	result, err := e.adapters.Architect.Execute(callCtx, &agent.Request{
		TaskID:  session.ID,
		Role:    string(RoleArchitect),
		Prompt:  buildArchitectPrompt(session.Task),
		WorkDir: session.WorkDir,
		Timeout: e.opts.AdapterTimeout,
	})
	durationMS := time.Since(start).Milliseconds()
	if err != nil {
		_ = e.store.SetRoleStatus(session, RoleArchitect, RoleFailed, durationMS)
		return "", err
	}
	_ = e.store.SetRoleStatus(session, RoleArchitect, RoleCompleted, durationMS)

	planText := Sanitize(result.RawText)
	if err := e.writePlan(session, planText); err != nil {
		return "", err
	}
	e.completePhase(session, PhaseAwaitingApproval, "plan", "plan written")
	return planText, nil
}

func (e *PipelineEngine) approvePlan(planText string) ApprovalDecision {
	if e.callbacks.HandlePlanApproval == nil {
		return ApprovalDecision{Approved: true}
	}
	return e.callbacks.HandlePlanApproval(planText)
}

func (e *PipelineEngine) writePlan(session *Session, text string) error {
	path := filepath.Join(e.store.SessionDir(session.ID), "plan.md")
	return os.WriteFile(path, []byte(text), 0o644)
}

func (e *PipelineEngine) readPlan(session *Session) (string, error) {
	path := filepath.Join(e.store.SessionDir(session.ID), "plan.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func buildArchitectPrompt(task string) string {
	return fmt.Sprintf("%s\n\nTask: %s\n", roles.Architect(), task)
}

// runExecutor writes every file the plan names, in parallel up to
// max_concurrency when Parallel is set (one at a time otherwise), validating and invoking the Consultant inline for any
// file that fails syntax or structural-completeness checks.
func (e *PipelineEngine) runExecutor(ctx context.Context, session *Session, planText string, files []FileDescriptor) (map[string]fileSnapshot, error) {
	e.startPhase(session, PhaseExecuting)
	_ = e.store.SetRoleStatus(session, RoleExecutor, RoleInProgress, 0)

	concurrency := 1
	if e.opts.Parallel {
		concurrency = e.opts.MaxConcurrency
	}
	pool := NewConcurrencyPool(concurrency)
	consultant := NewConsultant(e.adapters.Consultant)

	items := make([]interface{}, len(files))
	for i, fd := range files {
		items[i] = fd
	}

	task := func(item interface{}, index int) (interface{}, error) {
		fd := item.(FileDescriptor)
		if e.callbacks.OnFileStart != nil {
			e.callbacks.OnFileStart(fd.RelativePath)
		}

		absPath := filepath.Join(session.WorkDir, fd.RelativePath)
		priorContent, statErr := os.ReadFile(absPath)
		snapshot := fileSnapshot{content: string(priorContent), wasNew: statErr != nil}

		err := e.generateFile(ctx, session, planText, fd, consultant)
		if e.callbacks.OnFileComplete != nil {
			e.callbacks.OnFileComplete(fd.RelativePath, err)
		}
		return snapshot, err
	}

	var onProgress ProgressFunc
	if e.callbacks.OnParallelProgress != nil {
		onProgress = func(completed, total int, inProgress []int) {
			paths := make([]string, 0, len(inProgress))
			for _, idx := range inProgress {
				paths = append(paths, files[idx].RelativePath)
			}
			e.callbacks.OnParallelProgress(completed, total, paths)
		}
	}

	results := pool.Run(items, task, onProgress)

	snapshots := make(map[string]fileSnapshot, len(files))
	var firstErr error
	for i, r := range results {
		if snap, ok := r.Value.(fileSnapshot); ok {
			snapshots[files[i].RelativePath] = snap
		}
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
		}
	}
	if firstErr != nil {
		_ = e.store.SetRoleStatus(session, RoleExecutor, RoleFailed, 0)
		return snapshots, firstErr
	}

	_ = e.store.SetRoleStatus(session, RoleExecutor, RoleCompleted, 0)
	e.completePhase(session, PhaseAuditing, fmt.Sprintf("exec-%d", session.Iteration+1), "files generated")
	return snapshots, nil
}

func (e *PipelineEngine) generateFile(ctx context.Context, session *Session, planText string, fd FileDescriptor, consultant *Consultant) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()

	result, err := e.adapters.Executor.Execute(callCtx, &agent.Request{
		TaskID:  session.ID,
		Role:    string(RoleExecutor),
		Prompt:  buildExecutorPrompt(planText, fd),
		WorkDir: session.WorkDir,
		Timeout: e.opts.AdapterTimeout,
	})
	if err != nil {
		return err
	}

	content := Sanitize(result.RawText)
	absPath := filepath.Join(session.WorkDir, fd.RelativePath)

	content, err = e.ensureValid(ctx, consultant, fd.RelativePath, content)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}
	e.auditFileWrite(session.ID, string(RoleExecutor), fd.RelativePath)
	return os.WriteFile(absPath, []byte(content), 0o644)
}

// auditFileWrite reports a SensitiveFileWrite event for paths a generated
// diff shouldn't normally be touching (.env, credentials, CI workflows, key
// material) so a host can surface it without having to diff every file.
func (e *PipelineEngine) auditFileWrite(taskID, agentRole, relPath string) {
	if e.callbacks.OnSecurityAudit == nil || !audit.IsSensitivePath(relPath) {
		return
	}
	e.callbacks.OnSecurityAudit(audit.Event{
		Category: audit.SensitiveFileWrite,
		ToolName: "executor.write",
		Agent:    agentRole,
		TaskID:   taskID,
		Message:  relPath,
	})
}

// auditBashCommand reports package-install and outbound-transfer events for
// a shell command the engine itself runs (the configured test command), so
// a host watching OnSecurityAudit sees the same categories it would for a
// command an adapter ran directly.
func (e *PipelineEngine) auditBashCommand(taskID, source, command string) {
	if e.callbacks.OnSecurityAudit == nil || command == "" {
		return
	}
	for _, category := range audit.ClassifyBashCommand(command) {
		e.callbacks.OnSecurityAudit(audit.Event{
			Category: category,
			ToolName: source,
			Agent:    source,
			TaskID:   taskID,
			Message:  command,
		})
	}
}

// enforceFileScope checks that the working tree only changed within the
// plan's file set (plus dependency-manifest exemptions) and reverts any
// stray file an adapter wrote outside it.
func (e *PipelineEngine) enforceFileScope(session *Session, files []FileDescriptor) error {
	planned := make([]string, 0, len(files))
	for _, fd := range files {
		planned = append(planned, fd.RelativePath)
	}

	validator := scope.NewValidator(session.WorkDir, planned)
	result, err := validator.ValidateChanges()
	if err != nil {
		return err
	}
	if result.Valid {
		return nil
	}

	if e.callbacks.OnScopeViolation != nil {
		e.callbacks.OnScopeViolation(*result)
	}

	for _, path := range result.OutOfScopeFiles {
		if revertErr := validator.RevertFile(path); revertErr != nil {
			return fmt.Errorf("%s\nfailed to revert %s: %w", validator.FormatViolationError(result), path, revertErr)
		}
		if e.callbacks.OnFileReverted != nil {
			e.callbacks.OnFileReverted(path)
		}
	}
	return nil
}

// ensureValid runs the structural-completeness and syntax gates, invoking
// the Consultant inline (without changing engine phase) when either
// rejects the content.
func (e *PipelineEngine) ensureValid(ctx context.Context, consultant *Consultant, path, content string) (string, error) {
	if !LooksLikeCode(path, content) {
		return content, nil
	}

	trigger := ConsultantTrigger("")
	validationErr := ""

	if IsStructurallyIncomplete(content) {
		trigger = TriggerIncomplete
	} else {
		validation := e.validateScratch(ctx, path, content)
		if e.callbacks.OnSyntaxCheck != nil {
			e.callbacks.OnSyntaxCheck(path, validation)
		}
		if validation.Valid {
			return content, nil
		}
		trigger = TriggerSyntaxError
		validationErr = validation.Error
	}

	outcome := consultant.Resolve(ctx, ConsultantRequest{
		Path:            path,
		Language:        languageForPath(path),
		Trigger:         trigger,
		ValidationError: validationErr,
		Content:         content,
		Timeout:         e.opts.AdapterTimeout,
	}, writeScratchFile(path))
	if e.callbacks.OnConsultant != nil {
		e.callbacks.OnConsultant(path, trigger, outcome)
	}
	return outcome.Content, nil
}

func (e *PipelineEngine) validateScratch(ctx context.Context, path, content string) ValidationResult {
	write := writeScratchFile(path)
	scratchPath, err := write(content)
	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	defer os.Remove(scratchPath)
	return ValidateSyntax(ctx, scratchPath)
}

func buildExecutorPrompt(planText string, fd FileDescriptor) string {
	return fmt.Sprintf("%s\n\nWrite the complete contents of %s (%s).\n\nPlan:\n%s\n",
		roles.Executor(), fd.RelativePath, fd.HumanDescription, planText)
}

// runAuditLoop drives Audit→Fix until APPROVED or max_iterations is hit,
// returning the aggregated unresolved issues for files still unresolved
// when it gives up, keyed by relative path. In per-file pipelined mode
// each pending file is audited, and fixed if needed, on its own, and
// approved files drop out of later iterations. Within an iteration the
// files are handled one after another, not through the pool, so a slow
// file delays the files after it.
func (e *PipelineEngine) runAuditLoop(ctx context.Context, session *Session, planText string, files []FileDescriptor) (map[string][]AuditIssue, error) {
	if e.opts.PerFilePipeline {
		return e.runAuditLoopPerFile(ctx, session, planText, files)
	}
	return e.runAuditLoopWhole(ctx, session, planText, files)
}

func (e *PipelineEngine) runAuditLoopPerFile(ctx context.Context, session *Session, planText string, files []FileDescriptor) (map[string][]AuditIssue, error) {
	pending := append([]FileDescriptor{}, files...)
	var failed []string
	lastIssuesByFile := map[string][]AuditIssue{}

	for len(pending) > 0 {
		session.Iteration++
		if e.callbacks.OnIteration != nil {
			e.callbacks.OnIteration(session.Iteration)
		}

		e.startPhase(session, PhaseAuditing)
		var perFileResults []AuditResult
		var stillPending []FileDescriptor

		for _, fd := range pending {
			result, err := e.runAuditor(ctx, session, planText, []FileDescriptor{fd})
			if err != nil {
				failed = append(failed, fd.RelativePath)
				continue
			}
			perFileResults = append(perFileResults, result)
			if e.callbacks.OnFileAudit != nil {
				e.callbacks.OnFileAudit(fd.RelativePath, result)
			}
			if result.IsApproved() {
				continue
			}
			lastIssuesByFile[fd.RelativePath] = result.Issues
			if session.Iteration >= e.opts.MaxIterations {
				failed = append(failed, fd.RelativePath)
				continue
			}

			e.startPhase(session, PhaseFixing)
			consultant := NewConsultant(e.adapters.Consultant)
			if err := e.fixFile(ctx, session, planText, fd, result.Issues, consultant); err != nil {
				failed = append(failed, fd.RelativePath)
				continue
			}
			stillPending = append(stillPending, fd)
		}

		merged := MergeParallelAudits(perFileResults)
		e.completePhase(session, PhaseAuditing, fmt.Sprintf("pipelined-audit-%d", session.Iteration), merged.Summary)

		if session.Iteration >= e.opts.MaxIterations && len(stillPending) > 0 {
			for _, fd := range stillPending {
				failed = append(failed, fd.RelativePath)
			}
			stillPending = nil
		}
		pending = stillPending
	}

	if len(failed) > 0 {
		failedIssues := make(map[string][]AuditIssue, len(failed))
		for _, path := range failed {
			failedIssues[path] = lastIssuesByFile[path]
		}
		return failedIssues, NewPhaseError(PhaseAuditing, ReasonMaxIterations, fmt.Errorf("%d file(s) unresolved after pipelined audit", len(failed)))
	}
	e.completePhase(session, PhaseCompleted, fmt.Sprintf("pipelined-audit-done-%d", session.Iteration), "all files approved")
	return nil, nil
}

func (e *PipelineEngine) runAuditLoopWhole(ctx context.Context, session *Session, planText string, files []FileDescriptor) (map[string][]AuditIssue, error) {
	var lastIssuesByFile map[string][]AuditIssue

	for session.Iteration < e.opts.MaxIterations {
		session.Iteration++
		if e.callbacks.OnIteration != nil {
			e.callbacks.OnIteration(session.Iteration)
		}

		e.startPhase(session, PhaseAuditing)
		_ = e.store.SetRoleStatus(session, RoleAuditor, RoleInProgress, 0)

		result, err := e.runAuditor(ctx, session, planText, files)
		if err != nil {
			_ = e.store.SetRoleStatus(session, RoleAuditor, RoleFailed, 0)
			return lastIssuesByFile, err
		}
		_ = e.store.SetRoleStatus(session, RoleAuditor, RoleCompleted, 0)
		if e.callbacks.OnFileAudit != nil {
			for path := range result.IssuesByFile() {
				e.callbacks.OnFileAudit(path, result)
			}
		}

		if result.IsApproved() {
			e.completePhase(session, PhaseCompleted, fmt.Sprintf("audit-%d", time.Now().UnixMilli()), "approved")
			return nil, nil
		}

		lastIssuesByFile = result.IssuesByFile()
		e.startPhase(session, PhaseFixing)
		if err := e.runFix(ctx, session, planText, files, lastIssuesByFile); err != nil {
			return lastIssuesByFile, err
		}
		e.completePhase(session, PhaseAuditing, fmt.Sprintf("fix-%d", time.Now().UnixMilli()), "fix applied")
	}

	return lastIssuesByFile, NewPhaseError(PhaseAuditing, ReasonMaxIterations, fmt.Errorf("exceeded %d iterations", e.opts.MaxIterations))
}

func (e *PipelineEngine) runAuditor(ctx context.Context, session *Session, planText string, files []FileDescriptor) (AuditResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()

	result, err := e.adapters.Auditor.Execute(callCtx, &agent.Request{
		TaskID:  session.ID,
		Role:    string(RoleAuditor),
		Prompt:  buildAuditorPrompt(planText, files),
		WorkDir: session.WorkDir,
		Timeout: e.opts.AdapterTimeout,
	})
	if err != nil {
		return AuditResult{}, err
	}
	return ParseAuditResponse(result.RawText), nil
}

func buildAuditorPrompt(planText string, files []FileDescriptor) string {
	prompt := roles.Auditor() + "\n\nPlan:\n" + planText + "\n\nFiles:\n"
	for _, fd := range files {
		prompt += "- " + fd.RelativePath + "\n"
	}
	return prompt
}

func (e *PipelineEngine) runFix(ctx context.Context, session *Session, planText string, files []FileDescriptor, issuesByFile map[string][]AuditIssue) error {
	consultant := NewConsultant(e.adapters.Consultant)
	for _, fd := range files {
		issues, ok := issuesByFile[fd.RelativePath]
		if !ok {
			continue
		}
		if err := e.fixFile(ctx, session, planText, fd, issues, consultant); err != nil {
			return err
		}
	}
	return nil
}

func (e *PipelineEngine) fixFile(ctx context.Context, session *Session, planText string, fd FileDescriptor, issues []AuditIssue, consultant *Consultant) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.AdapterTimeout)
	defer cancel()

	result, err := e.adapters.Executor.Execute(callCtx, &agent.Request{
		TaskID:  session.ID,
		Role:    string(RoleExecutor),
		Prompt:  buildFixPrompt(planText, fd, issues),
		WorkDir: session.WorkDir,
		Timeout: e.opts.AdapterTimeout,
	})
	if err != nil {
		return err
	}

	content := Sanitize(result.RawText)
	content, err = e.ensureValid(ctx, consultant, fd.RelativePath, content)
	if err != nil {
		return err
	}

	absPath := filepath.Join(session.WorkDir, fd.RelativePath)
	e.auditFileWrite(session.ID, string(RoleExecutor), fd.RelativePath)
	return os.WriteFile(absPath, []byte(content), 0o644)
}

func buildFixPrompt(planText string, fd FileDescriptor, issues []AuditIssue) string {
	prompt := roles.Executor() + fmt.Sprintf("\n\nRevise %s to resolve these audit issues:\n", fd.RelativePath)
	for _, issue := range issues {
		prompt += fmt.Sprintf("- [%s] %s (%s)\n", issue.Severity, issue.Description, issue.Suggestion)
	}
	prompt += "\nPlan:\n" + planText + "\n\nReturn the complete revised file contents."
	return prompt
}

// runRecovery builds a FileState per unresolved file from the audit loop's
// aggregated issues and the snapshot taken before the Executor first wrote
// it this run, so a revert restores what was actually there before this
// session touched the file (not the broken content the Executor just
// produced) and patchIssueByIssue has real issues to work from. If a file
// has no snapshot (e.g. recovery after a resume that skipped the Executor
// phase), its current on-disk content is read as a best-effort fallback.
func (e *PipelineEngine) runRecovery(ctx context.Context, session *Session, planText string, failedIssues map[string][]AuditIssue, snapshots map[string]fileSnapshot) RecoveryResult {
	consultant := NewConsultant(e.adapters.Consultant)
	recovery := NewRecoveryEngine(consultant, planText,
		func(path, content string) error {
			e.auditFileWrite(session.ID, "recovery", path)
			return os.WriteFile(filepath.Join(session.WorkDir, path), []byte(content), 0o644)
		},
		func(path string) error {
			return os.Remove(filepath.Join(session.WorkDir, path))
		},
	)

	paths := make([]string, 0, len(failedIssues))
	for path := range failedIssues {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	states := make([]FileState, 0, len(paths))
	for _, path := range paths {
		snap, ok := snapshots[path]
		if !ok {
			absPath := filepath.Join(session.WorkDir, path)
			content, statErr := os.ReadFile(absPath)
			snap = fileSnapshot{content: string(content), wasNew: statErr != nil}
		}
		states = append(states, FileState{
			Path:          path,
			PreRunContent: snap.content,
			WasNew:        snap.wasNew,
			Issues:        failedIssues[path],
		})
	}

	return recovery.Recover(ctx, states, RecoveryOptions{
		MaxAttempts:         e.opts.RecoveryMaxAttempts,
		Timeout:             e.opts.RecoveryTimeout,
		AutoRevertOnFailure: e.opts.AutoRevertOnFailure,
		OnRecoveryStart:     e.callbacks.OnRecoveryStart,
		OnRecoveryAttempt:   e.callbacks.OnRecoveryAttempt,
		OnFileReverted:      e.callbacks.OnFileReverted,
		OnFileDeleted:       e.callbacks.OnFileDeleted,
		OnRecoveryComplete:  e.callbacks.OnRecoveryComplete,
	})
}

func (e *PipelineEngine) runTests(ctx context.Context, session *Session) error {
	e.startPhase(session, PhaseTesting)
	if e.callbacks.OnTestStart != nil {
		e.callbacks.OnTestStart(e.opts.TestCommand)
	}
	e.auditBashCommand(session.ID, "test_runner", e.opts.TestCommand)
	runner := NewTestRunner(session.WorkDir, e.opts.TestTimeout)
	outcome, err := runner.Run(ctx, e.opts.TestCommand)
	if e.callbacks.OnTestComplete != nil {
		e.callbacks.OnTestComplete(outcome)
	}
	return err
}

func (e *PipelineEngine) runCommit(ctx context.Context, session *Session, files []FileDescriptor) error {
	e.startPhase(session, PhaseCommitting)
	if e.callbacks.OnCommitStart != nil {
		e.callbacks.OnCommitStart(session.Task)
	}
	committer := NewGitCommitter(session.WorkDir, e.opts.CommitMessage)
	paths := make([]string, 0, len(files))
	for _, fd := range files {
		paths = append(paths, fd.RelativePath)
	}
	outcome, err := committer.Commit(ctx, session.Task, paths)
	if e.callbacks.OnCommitComplete != nil {
		e.callbacks.OnCommitComplete(outcome)
	}
	return err
}

