// Command usbsas-identificator answers the orchestrator's single
// "who is the operator" request using the configured identification
// command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/identificator"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	proto "github.com/usbsas/usbsas/internal/proto/identifier"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-identificator",
	Short: "Identify the operator running a transfer",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := identificator.New(c, configPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-identificator", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path of the application configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
