package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	cliconfig "github.com/withObsrvr/checkpoint-indexer/internal/cli/config"
	"github.com/withObsrvr/checkpoint-indexer/internal/cli/runner"
	"github.com/withObsrvr/checkpoint-indexer/internal/cli/utils"
)

var (
	// dryRun flag for validation only
	dryRun bool

	runCmd = &cobra.Command{
		Use:   "run [config file]",
		Short: "Run the indexer from a configuration file",
		Args:  cobra.ExactArgs(1),
		Example: `  checkpoint-indexer run indexer.yaml
  checkpoint-indexer run --dry-run indexer.yaml
  INDEXER_LOG_LEVEL=debug checkpoint-indexer run indexer.yaml`,
		RunE: runIndexer,
	}
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate configuration without indexing")
	rootCmd.AddCommand(runCmd)
}

func newRunner(configFile string) (*runner.Runner, error) {
	if !utils.FileExists(configFile) {
		return nil, fmt.Errorf("configuration file not found: %s", configFile)
	}
	settings, err := cliconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("reading CLI settings: %w", err)
	}
	return runner.New(runner.Options{ConfigFile: configFile, Settings: settings}), nil
}

func runIndexer(cmd *cobra.Command, args []string) error {
	r, err := newRunner(args[0])
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Println(color.YellowString("🔍 Validating indexer configuration from %s", args[0]))
		return printValidation(r)
	}

	fmt.Println(color.GreenString("🚀 Starting indexer from %s", args[0]))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("indexer failed: %w", err)
	}

	fmt.Println(color.GreenString("✅ Indexer finished"))
	return nil
}
