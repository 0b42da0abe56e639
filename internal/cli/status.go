package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aruna/floweval/internal/config"
	"github.com/aruna/floweval/pkg/deps"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the configured sidecar services",
	Long:  `Probe the configured backend and agent services once and report their health.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	checker := deps.NewChecker(cfg.Deps.ProbeTimeout)
	for _, spec := range []deps.ServiceSpec{cfg.Deps.Backend, cfg.Deps.Agent} {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Deps.ProbeTimeout)
		probeErr := checker.Probe(ctx, spec)
		cancel()

		if probeErr != nil {
			fmt.Printf("%-10s %s  unhealthy (%v)\n", spec.Name, spec.Addr(), probeErr)
			continue
		}
		fmt.Printf("%-10s %s  healthy\n", spec.Name, spec.Addr())
	}
	return nil
}
