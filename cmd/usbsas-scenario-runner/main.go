// Command usbsas-scenario-runner drives a suite of end-to-end usbsas
// transfers against mock USB devices and exits non-zero if any of them
// doesn't match its declared expectation, grounded on rclone's test_all
// (a single binary that reads a YAML fleet of backend test runs and
// prints one pass/fail line per run).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/usbsas/usbsas/internal/scenario"
)

var (
	suitePath       string
	orchestratorBin string
	workDir         string
	startTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "usbsas-scenario-runner",
	Short: "Run a suite of end-to-end usbsas transfer scenarios",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&suitePath, "suite", "", "path to the scenario suite YAML file (required)")
	rootCmd.Flags().StringVar(&orchestratorBin, "orchestrator-bin", "", "usbsas-orchestrator binary to exec, default: resolved from $PATH")
	rootCmd.Flags().StringVar(&workDir, "work-dir", "", "scratch directory for per-scenario fixtures and sockets, default: a new temp dir")
	rootCmd.Flags().DurationVar(&startTimeout, "start-timeout", 0, "how long to wait for the orchestrator's socket to appear, default 10s")
	rootCmd.MarkFlagRequired("suite")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := scenario.LoadConfig(suitePath)
	if err != nil {
		return fmt.Errorf("usbsas-scenario-runner: %w", err)
	}

	opts := scenario.Options{
		OrchestratorBin: orchestratorBin,
		WorkDir:         workDir,
		StartTimeout:    startTimeout,
	}

	results := scenario.Run(cfg, opts)
	fmt.Print(scenario.Summary(results))

	for _, res := range results {
		if !res.Passed {
			os.Exit(1)
		}
	}
	return nil
}
