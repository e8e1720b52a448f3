package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/checkpoint-indexer/pkg/bootstrap"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap [config file]",
	Short: "Seed an empty store with the genesis system state",
	Long: `Write the genesis record and the epoch-0 system state named by
bootstrap_genesis into the configured store. The run command does this on
first start; use bootstrap to prepare a store ahead of time.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRunner(args[0])
		if err != nil {
			return err
		}

		genesis, err := r.Bootstrap(cmd.Context())
		if errors.Is(err, bootstrap.ErrAlreadyBootstrapped) {
			color.Yellow("⚠️  Store is already bootstrapped, nothing written")
			return err
		}
		if err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}

		color.Green("✅ Bootstrapped genesis %s (protocol version %d)", genesis.GenesisDigest, genesis.InitialProtocolVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}
