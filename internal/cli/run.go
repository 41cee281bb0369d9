package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/forgepilot/orchestra/internal/agent"
	_ "github.com/forgepilot/orchestra/internal/agent/aidercli"
	_ "github.com/forgepilot/orchestra/internal/agent/claudecli"
	_ "github.com/forgepilot/orchestra/internal/agent/codexcli"
	"github.com/forgepilot/orchestra/internal/config"
	"github.com/forgepilot/orchestra/internal/engine"
	"github.com/forgepilot/orchestra/internal/telemetry"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Start a new Architect/Executor/Auditor/Consultant pipeline run",
	Long: `Run starts a fresh session: the Architect drafts a plan, the Executor
writes every file the plan names, and the Auditor reviews the result until it
approves or the iteration cap is reached.

Example:
  orchestra run "add a health check endpoint" --parallel --max-concurrency 3`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("parallel", false, "generate files concurrently instead of one at a time")
	runCmd.Flags().Int("max-concurrency", 0, "max concurrent file generations when --parallel is set (0 = config default)")
	runCmd.Flags().Int("max-iterations", 0, "max audit/fix cycles before giving up (0 = config default)")
	runCmd.Flags().Bool("pipeline", false, "run in per-file pipelined mode instead of whole-batch audit/fix")
	runCmd.Flags().Bool("auto-approve", false, "skip interactive plan approval")
	runCmd.Flags().String("workdir", "", "working directory for the run (default: current directory)")
}

func runSession(cmd *cobra.Command, args []string) error {
	task := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	workDir, _ := cmd.Flags().GetString("workdir")
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	logger := telemetry.NewLogger("pending")
	callbacks := buildCallbacks(logger, autoApprove)

	adapters, err := buildRoleAdapters(cfg, callbacks.OnAdapterFallback)
	if err != nil {
		return fmt.Errorf("building role adapters: %w", err)
	}

	parallel, _ := cmd.Flags().GetBool("parallel")
	pipelined, _ := cmd.Flags().GetBool("pipeline")
	maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	if maxConcurrency <= 0 {
		maxConcurrency = cfg.Execution.MaxConcurrency
	}
	if maxIterations <= 0 {
		maxIterations = cfg.Execution.MaxIterations
	}
	if parallel {
		cfg.Execution.Parallel = true
	}

	store := engine.NewSessionStore(filepath.Join(workDir, ".orchestra", "sessions"))

	eventsDir := filepath.Join(workDir, ".orchestra", "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return fmt.Errorf("creating event sink directory: %w", err)
	}
	sink, err := engine.NewEventSink(eventsDir)
	if err != nil {
		return fmt.Errorf("opening event sink: %w", err)
	}
	defer sink.Close()

	pipelineEngine := engine.NewPipelineEngine(store, adapters, callbacks, engine.PipelineOptions{
		MaxIterations:        maxIterations,
		MaxConcurrency:       maxConcurrency,
		Parallel:             cfg.Execution.Parallel,
		PerFilePipeline:      pipelined,
		AdapterTimeout:       cfg.EffectiveTimeout(),
		TestCommand:          cfg.Test.Command,
		TestTimeout:          msToDuration(cfg.Test.TimeoutMS),
		RunTestsAfterGen:     cfg.Test.RunAfterGeneration,
		AutoCommit:           cfg.Git.AutoCommit,
		CommitMessage:        cfg.Git.CommitMessageTemplate,
		RecoveryAutoActivate: cfg.Recovery.AutoActivate,
		RecoveryMaxAttempts:  cfg.Recovery.MaxAttempts,
		RecoveryTimeout:      msToDuration(cfg.Recovery.TimeoutMS),
		AutoRevertOnFailure:  cfg.Recovery.AutoRevertOnFailure,
		EnforceFileScope:     cfg.Execution.EnforceFileScope,
	})
	pipelineEngine.AttachEventSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received interrupt, cancelling run")
		cancel()
	}()

	session, runErr := pipelineEngine.Run(ctx, task, workDir)
	if session == nil {
		return runErr
	}

	fmt.Fprintf(os.Stdout, "session %s finished in phase %s\n", session.ID, session.Phase)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
	}

	_ = logger.Flush()
	os.Exit(engine.ExitCode(session.Phase, runErr))
	return nil
}

// buildRoleAdapters resolves a credential and constructs a fallback-ordered
// adapter chain for each of the four pipeline roles.
func buildRoleAdapters(cfg *config.Config, onFallback engine.OnAdapterFallback) (engine.RoleAdapters, error) {
	chains := map[engine.Role][]string{
		engine.RoleArchitect:  cfg.Agents.Architect,
		engine.RoleExecutor:   cfg.Agents.Executor,
		engine.RoleAuditor:    cfg.Agents.Auditor,
		engine.RoleConsultant: cfg.Agents.Consultant,
	}

	built := map[engine.Role]agent.Adapter{}
	for role, names := range chains {
		chain := make([]agent.Adapter, 0, len(names))
		for _, name := range names {
			a, err := agent.New(name, credentialFor(name))
			if err != nil {
				return engine.RoleAdapters{}, fmt.Errorf("role %s: %w", role, err)
			}
			chain = append(chain, a)
		}
		fb, err := engine.NewFallbackAdapter(role, chain, cfg.Fallback.AuthPolicy, onFallback)
		if err != nil {
			return engine.RoleAdapters{}, fmt.Errorf("role %s: %w", role, err)
		}
		built[role] = fb
	}

	return engine.RoleAdapters{
		Architect:  built[engine.RoleArchitect],
		Executor:   built[engine.RoleExecutor],
		Auditor:    built[engine.RoleAuditor],
		Consultant: built[engine.RoleConsultant],
	}, nil
}

// credentialFor resolves the API key for a named adapter from the process
// environment. Adapters that shell out to a locally authenticated CLI (the
// common case for claude-cli/codex-cli/aider-cli) tolerate an empty value;
// IsAvailable reports whether the adapter can actually run.
func credentialFor(adapterName string) string {
	envVars := map[string]string{
		"claude-cli": "ANTHROPIC_API_KEY",
		"codex-cli":  "OPENAI_API_KEY",
		"aider-cli":  "AIDER_API_KEY",
	}
	if envVar, ok := envVars[adapterName]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
