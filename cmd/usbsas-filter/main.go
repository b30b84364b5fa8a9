// Command usbsas-filter rejects staged file paths matching the configured
// name-filter rules. It expects its Comm fds already in place (see
// internal/process); the orchestrator applies the same rules in-process
// and does not spawn this command. Grounded on the cobra root
// command pattern in backend/torrent/cmd/backend.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/filter"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	proto "github.com/usbsas/usbsas/internal/proto/filter"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-filter",
	Short: "Reject staged file paths matching configured name-filter rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := filter.NewWorker(c, configPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-filter", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the usbsas TOML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
