package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aruna/floweval/internal/config"
	"github.com/aruna/floweval/internal/logger"
	"github.com/aruna/floweval/pkg/deps"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill stray sidecar processes",
	Long: `Kill any process squatting on the configured service ports or
matching the configured service commands. Use this after a run that died
without releasing its sidecars.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{Level: cfg.Logging.Level, Console: true, Pretty: cfg.Logging.Pretty})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer lg.Close()

	manager, err := deps.NewManager(cfg.Deps, lg.GetZerolog())
	if err != nil {
		return err
	}
	if err := manager.ForceCleanup(); err != nil {
		return fmt.Errorf("force cleanup: %w", err)
	}

	fmt.Println("Cleanup complete")
	return nil
}
