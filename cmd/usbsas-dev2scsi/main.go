// Command usbsas-dev2scsi reads sectors from the source USB mass-storage
// device and lists its partitions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/dev2scsi"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/massstorage"
	"github.com/usbsas/usbsas/internal/process"
	proto "github.com/usbsas/usbsas/internal/proto/scsi"
)

var mockImage string

var rootCmd = &cobra.Command{
	Use:   "usbsas-dev2scsi",
	Short: "Read sectors and list partitions on the source USB mass-storage device",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		open := massstorage.OpenFromBusDev
		// usbsas-scsi2files spawns this binary with a fixed "--dev2scsi-bin
		// usbsas-dev2scsi" and no other args, so a scenario run has no flag
		// to thread through that spawn; it reaches this process the same
		// way internal/usbdev/sysfs.go's USBSAS_MOCK_SYSFS_ROOT does,
		// via an inherited env var rather than an argv change.
		if mockImage == "" {
			mockImage = os.Getenv("USBSAS_MOCK_DEV2SCSI_IMAGE")
		}
		if mockImage != "" {
			open = mockOpenFunc(mockImage)
		}
		w := dev2scsi.New(c, open)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-dev2scsi", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&mockImage, "mock-image", "",
		"serve sectors from a plain file instead of a real USB device, for scenario testing")
}

// mockOpenFunc adapts massstorage.OpenMock (path, blockSize) to the
// dev2scsi.OpenFunc shape (busnum, devnum), ignoring the unlock handshake's
// bus/dev numbers entirely: internal/scenario always unlocks with the fixed
// pair internal/usbdev/mock reports for its one fake device.
func mockOpenFunc(path string) func(busnum, devnum uint32) (*massstorage.Device, error) {
	return func(busnum, devnum uint32) (*massstorage.Device, error) {
		return massstorage.OpenMock(path, 512)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
