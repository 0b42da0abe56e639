package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aruna/floweval/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file with the standard sidecar
services, executor timeouts, and recovery tuning. Edit the file afterwards
to point at your own services.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	// Load applies defaults for anything the existing file does not set.
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("building configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Println("Run a plan with: floweval run <plan.json>")
	return nil
}
