package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/forgepilot/orchestra/internal/agent/aidercli"
	_ "github.com/forgepilot/orchestra/internal/agent/claudecli"
	_ "github.com/forgepilot/orchestra/internal/agent/codexcli"
	"github.com/forgepilot/orchestra/internal/config"
	"github.com/forgepilot/orchestra/internal/engine"
	"github.com/forgepilot/orchestra/internal/telemetry"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted session from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeSession,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().Bool("auto-approve", false, "skip interactive plan approval")
	resumeCmd.Flags().String("workdir", "", "working directory the session was started in (default: current directory)")
}

func resumeSession(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

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
	logger := telemetry.NewLogger(sessionID)
	callbacks := buildCallbacks(logger, autoApprove)

	adapters, err := buildRoleAdapters(cfg, callbacks.OnAdapterFallback)
	if err != nil {
		return fmt.Errorf("building role adapters: %w", err)
	}

	store := engine.NewSessionStore(filepath.Join(workDir, ".orchestra", "sessions"))

	pipelineEngine := engine.NewPipelineEngine(store, adapters, callbacks, engine.PipelineOptions{
		MaxIterations:        cfg.Execution.MaxIterations,
		MaxConcurrency:       cfg.Execution.MaxConcurrency,
		Parallel:             cfg.Execution.Parallel,
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received interrupt, cancelling resume")
		cancel()
	}()

	session, runErr := pipelineEngine.Resume(ctx, sessionID)
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
