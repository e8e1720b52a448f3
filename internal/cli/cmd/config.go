package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/checkpoint-indexer/internal/cli/runner"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline/handlers"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateCmd = &cobra.Command{
	Use:   "validate [config file]",
	Short: "Validate a configuration file",
	Long:  `Validate an indexer configuration file and report any errors or warnings.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRunner(args[0])
		if err != nil {
			return err
		}
		return printValidation(r)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain [config file]",
	Short: "Explain what a configuration does",
	Long:  `Show the resolved configuration: which pipelines run, where checkpoints come from and where tables are stored.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRunner(args[0])
		if err != nil {
			return err
		}
		cfg, err := r.Load()
		if err != nil {
			return err
		}

		known := handlers.DefaultRegistry().Names()
		enabled := cfg.EnabledPipelines(known)

		color.Cyan("Service: %s\n", cfg.ServiceID)
		fmt.Println(strings.Repeat("─", 40))

		fmt.Printf("\n📥 Source: %s\n", cfg.Source.Type)
		switch cfg.Source.Type {
		case "fs":
			fmt.Printf("   Path: %s\n", cfg.Source.Path)
		case "http":
			fmt.Printf("   URL: %s\n", cfg.Source.URL)
		default:
			fmt.Printf("   Bucket: %s/%s\n", cfg.Source.Bucket, cfg.Source.Prefix)
		}
		fmt.Printf("   Concurrency: %d\n", cfg.Source.Concurrency)
		if cfg.Source.End != nil {
			fmt.Printf("   Stops after checkpoint %d\n", *cfg.Source.End)
		}

		fmt.Printf("\n⚙️  Pipelines (%d of %d enabled):\n", len(enabled), len(known))
		for _, name := range known {
			mark := color.RedString("disabled")
			if cfg.Pipelines[name] == "enabled" {
				mark = color.GreenString("enabled")
			}
			fmt.Printf("   %-22s %s\n", name, mark)
		}

		fmt.Printf("\n💾 Storage: %s\n", cfg.Storage.Type)
		if cfg.Storage.Path != "" {
			fmt.Printf("   Path: %s\n", cfg.Storage.Path)
		}

		if cfg.Query.Address != "" {
			fmt.Printf("\n🔎 Query server: %s (wait timeout %s)\n", cfg.Query.Address, cfg.Query.DefaultTimeout)
		}
		if cfg.WatermarkMirror.RedisAddress != "" {
			fmt.Printf("📡 Watermark mirror: redis %s\n", cfg.WatermarkMirror.RedisAddress)
		}
		if cfg.ControlPlane.Endpoint != "" {
			fmt.Printf("🛰  Control plane: %s every %s\n", cfg.ControlPlane.Endpoint, cfg.ControlPlane.HeartbeatInterval)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	configCmd.AddCommand(validateCmd)
	configCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(configCmd)
}

func printValidation(r *runner.Runner) error {
	result, err := r.Validate()
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if result.HasErrors() {
		color.Red("❌ Configuration has errors:\n")
		for _, err := range result.Errors {
			fmt.Printf("  • %v\n", err)
		}
		return fmt.Errorf("configuration validation failed")
	}

	if len(result.Warnings) > 0 {
		color.Yellow("⚠️  Configuration has warnings:\n")
		for _, warning := range result.Warnings {
			fmt.Printf("  • %s\n", warning)
		}
	}

	color.Green("✅ Configuration is valid!")
	return nil
}
