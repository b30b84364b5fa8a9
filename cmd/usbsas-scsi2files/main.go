// Command usbsas-scsi2files drives a dev2scsi child over IPC and exposes
// the source device's files to the orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	proto "github.com/usbsas/usbsas/internal/proto/files"
	"github.com/usbsas/usbsas/internal/scsi2files"
)

var dev2scsiPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-scsi2files",
	Short: "List and read files on a source USB mass-storage device",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := scsi2files.New(c, dev2scsiPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-scsi2files", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&dev2scsiPath, "dev2scsi-bin", "usbsas-dev2scsi", "path to the usbsas-dev2scsi binary")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
