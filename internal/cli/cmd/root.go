package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cliconfig "github.com/withObsrvr/checkpoint-indexer/internal/cli/config"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "checkpoint-indexer",
		Short: "Checkpoint indexer",
		Long:  color.CyanString(`Checkpoint indexer - epoch, safe-mode and live-object-set tables from a checkpoint stream`),
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "settings", "", "CLI settings file (default: $HOME/.checkpoint-indexer.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().String("log-format", "", "override the configured log format (text|json)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(home)
		viper.SetConfigName(".checkpoint-indexer")
	}

	viper.SetEnvPrefix(cliconfig.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("verbose") {
		fmt.Fprintln(os.Stderr, "Using settings file:", viper.ConfigFileUsed())
	}
}
