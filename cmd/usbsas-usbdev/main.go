// Command usbsas-usbdev enumerates attached USB mass-storage devices and
// reports plug/unplug changes to the orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	proto "github.com/usbsas/usbsas/internal/proto/usbdev"
	"github.com/usbsas/usbsas/internal/usbdev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-usbdev",
	Short: "Enumerate and track attached USB mass-storage devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := usbdev.New(c, configPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-usbdev", "%v", err)
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
