// Command usbsas-analyzer submits a transfer's staged tar archive to a
// configured remote scan service and reports which files came back clean.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/analyzer"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/analyzer"
	"github.com/usbsas/usbsas/internal/process"
)

var tarPath, configPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-analyzer",
	Short: "Submit a staged transfer archive for remote analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := analyzer.New(c, tarPath, configPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-analyzer", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&tarPath, "archive", "", "path of the transfer archive to analyze")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path of the application configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
