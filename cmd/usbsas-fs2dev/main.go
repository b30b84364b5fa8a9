// Command usbsas-fs2dev copies a formatted destination image onto the
// real USB device, or wipes a device with zeros.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/fs2dev"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/massstorage"
	proto "github.com/usbsas/usbsas/internal/proto/fs2dev"
	"github.com/usbsas/usbsas/internal/process"
)

var fsFname string

var rootCmd = &cobra.Command{
	Use:   "usbsas-fs2dev",
	Short: "Write a formatted image onto the destination USB device",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		open := massstorage.OpenFromBusDev
		// orchestrator spawns this binary directly with a fixed "--fs
		// <path>" argv built from sess.ImagePath(); a scenario run has no
		// hook into that spawn, so the destination mock image, like the
		// source one in cmd/usbsas-dev2scsi, rides in over an inherited
		// env var instead.
		if mockImage := os.Getenv("USBSAS_MOCK_FS2DEV_IMAGE"); mockImage != "" {
			open = func(busnum, devnum uint32) (*massstorage.Device, error) {
				return massstorage.OpenMock(mockImage, 512)
			}
		}
		w := fs2dev.New(c, fsFname, open)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-fs2dev", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&fsFname, "fs", "", "path of the formatted image built by usbsas-files2fs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
