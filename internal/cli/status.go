package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgepilot/orchestra/internal/engine"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Check session status",
	Long: `Check the status of orchestra sessions.

Without arguments, lists every session recorded under .orchestra/sessions.
With a session ID, shows the full persisted state for that session.

Examples:
  orchestra status
  orchestra status 3fa85f64-5717-4562-b3fc-2c963f66afa6`,
	Args: cobra.MaximumNArgs(1),
	RunE: checkStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("workdir", "", "working directory the session was started in (default: current directory)")
}

func checkStatus(cmd *cobra.Command, args []string) error {
	workDir, _ := cmd.Flags().GetString("workdir")
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	store := engine.NewSessionStore(filepath.Join(workDir, ".orchestra", "sessions"))

	if len(args) == 0 {
		return listSessions(store)
	}
	return showSessionStatus(store, args[0])
}

func listSessions(store *engine.SessionStore) error {
	ids, err := store.ListSessionIDs()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-38s %-20s %-10s %s\n", "SESSION", "PHASE", "ITERATION", "TASK")
	fmt.Println(strings.Repeat("-", 100))
	for _, id := range ids {
		session, err := store.Load(id)
		if err != nil {
			fmt.Printf("%-38s %-20s %-10s %s\n", id, "unreadable", "-", err.Error())
			continue
		}
		fmt.Printf("%-38s %-20s %-10d %s\n", session.ID, session.Phase, session.Iteration, truncate(session.Task, 40))
	}
	fmt.Printf("\n%d session(s) found.\n", len(ids))
	return nil
}

func showSessionStatus(store *engine.SessionStore, sessionID string) error {
	session, err := store.Load(sessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	fmt.Printf("Session:   %s\n", session.ID)
	fmt.Printf("Task:      %s\n", session.Task)
	fmt.Printf("Phase:     %s\n", session.Phase)
	fmt.Printf("Iteration: %d\n", session.Iteration)
	fmt.Printf("Pipeline:  %s\n", session.Pipeline)
	fmt.Printf("Created:   %s\n", session.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Activity:  %s\n", session.LastActivity.Format(time.RFC3339))
	fmt.Printf("Resumable: %t\n", session.CanResume)
	if session.LastError != "" {
		fmt.Printf("Error:     %s\n", session.LastError)
	}

	fmt.Println("\nRoles:")
	for role, state := range session.Roles {
		fmt.Printf("  %-12s %-12s %dms\n", role, state.Status, state.LastDurationMS)
	}

	if len(session.Checkpoints) > 0 {
		fmt.Println("\nCheckpoints:")
		for _, cp := range session.Checkpoints {
			fmt.Printf("  %s  %s\n", cp.Timestamp.Format(time.RFC3339), cp.Label)
		}
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
