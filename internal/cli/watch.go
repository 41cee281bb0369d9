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

var watchCmd = &cobra.Command{
	Use:   "watch <task>",
	Short: "Re-run a task's pipeline whenever its generated files change on disk",
	Args:  cobra.ExactArgs(1),
	RunE:  watchSession,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSlice("path", nil, "paths to watch (default: workdir)")
	watchCmd.Flags().Bool("auto-approve", true, "skip interactive plan approval on each rerun")
	watchCmd.Flags().String("workdir", "", "working directory for the run (default: current directory)")
}

func watchSession(cmd *cobra.Command, args []string) error {
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

	paths, _ := cmd.Flags().GetStringSlice("path")
	if len(paths) == 0 {
		paths = []string{workDir}
	}

	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	logger := telemetry.NewLogger("watch")
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
		logger.Warn("received interrupt, stopping watch")
		cancel()
	}()

	fmt.Fprintf(os.Stdout, "watching %v for changes, rerunning %q on each debounced change\n", paths, task)
	return pipelineEngine.RunWatch(ctx, task, workDir, paths)
}
