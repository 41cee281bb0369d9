package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold .orchestra.yaml for this project",
	Long: `Init writes a starter .orchestra.yaml with the engine's default
execution, test, git, recovery, and per-role adapter settings, ready to
adjust for this project.

Example:
  orchestra init
  orchestra init --force`,
	RunE: initProject,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("force", false, "overwrite an existing .orchestra.yaml")
	initCmd.Flags().Bool("non-interactive", false, "write defaults without prompting")
}

// orchestraYAML mirrors config.Config's mapstructure shape so the generated
// file round-trips cleanly through config.Load.
type orchestraYAML struct {
	Execution struct {
		Parallel         bool `yaml:"parallel"`
		MaxConcurrency   int  `yaml:"max_concurrency"`
		MaxIterations    int  `yaml:"max_iterations"`
		TimeoutMS        int  `yaml:"timeout_ms"`
		EnforceFileScope bool `yaml:"enforce_file_scope"`
	} `yaml:"execution"`
	Test struct {
		Command            string `yaml:"command"`
		RunAfterGeneration bool   `yaml:"run_after_generation"`
		TimeoutMS          int    `yaml:"timeout_ms"`
	} `yaml:"test"`
	Git struct {
		AutoCommit            bool   `yaml:"auto_commit"`
		CommitMessageTemplate string `yaml:"commit_message_template"`
	} `yaml:"git"`
	Languages []string `yaml:"languages"`
	Recovery  struct {
		AutoActivate        bool `yaml:"auto_activate"`
		MaxAttempts         int  `yaml:"max_attempts"`
		TimeoutMS           int  `yaml:"timeout_ms"`
		AutoRevertOnFailure bool `yaml:"auto_revert_on_failure"`
	} `yaml:"recovery"`
	Agents struct {
		Architect  []string `yaml:"architect"`
		Executor   []string `yaml:"executor"`
		Auditor    []string `yaml:"auditor"`
		Consultant []string `yaml:"consultant"`
	} `yaml:"agents"`
	Fallback struct {
		AuthPolicy string `yaml:"auth_policy"`
	} `yaml:"fallback"`
}

func defaultOrchestraYAML() orchestraYAML {
	var cfg orchestraYAML
	cfg.Execution.MaxConcurrency = 1
	cfg.Execution.MaxIterations = 10
	cfg.Execution.TimeoutMS = 300_000
	cfg.Test.TimeoutMS = 120_000
	cfg.Git.CommitMessageTemplate = "orchestra: {{task}}"
	cfg.Recovery.MaxAttempts = 3
	cfg.Recovery.TimeoutMS = 180_000
	cfg.Agents.Architect = []string{"claude-cli"}
	cfg.Agents.Executor = []string{"claude-cli"}
	cfg.Agents.Auditor = []string{"claude-cli"}
	cfg.Agents.Consultant = []string{"claude-cli", "codex-cli"}
	cfg.Fallback.AuthPolicy = "fail_fast"
	return cfg
}

func initProject(cmd *cobra.Command, args []string) error {
	configPath := filepath.Join(".", ".orchestra.yaml")

	force, _ := cmd.Flags().GetBool("force")
	nonInteractive, _ := cmd.Flags().GetBool("non-interactive")

	if _, err := os.Stat(configPath); err == nil {
		if !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
		}
		if !nonInteractive {
			overwrite, err := promptYesNo(fmt.Sprintf("%s already exists. Overwrite?", configPath), false)
			if err != nil {
				return err
			}
			if !overwrite {
				fmt.Println("Aborted.")
				return nil
			}
		}
	}

	cfg := defaultOrchestraYAML()

	if !nonInteractive {
		autoCommit, err := promptYesNo("Automatically commit after a successful run?", false)
		if err != nil {
			return err
		}
		cfg.Git.AutoCommit = autoCommit

		runTests, err := promptYesNo("Run the test suite after file generation?", true)
		if err != nil {
			return err
		}
		cfg.Test.RunAfterGeneration = runTests
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := "# Orchestra configuration\n# execution/test/git/recovery/agents sections map directly onto internal/config.Config\n\n"
	if err := os.WriteFile(configPath, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the adapter fallback chains under agents:")
	fmt.Println("  2. Export credentials for the adapters you listed (e.g. ANTHROPIC_API_KEY)")
	fmt.Println("  3. Run 'orchestra run \"<task>\"' to start a session")

	return nil
}

// promptYesNo asks a yes/no question on stdout/stdin, grounded on the
// teacher's wizard-style confirmation prompts.
func promptYesNo(question string, defaultYes bool) (bool, error) {
	defaultStr := "Y/n"
	if !defaultYes {
		defaultStr = "y/N"
	}

	fmt.Printf("%s [%s]: ", question, defaultStr)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read input: %w", err)
	}

	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return defaultYes, nil
	}
	return input == "y" || input == "yes", nil
}
