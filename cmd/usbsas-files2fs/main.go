// Command usbsas-files2fs formats a destination image and writes files
// into it as instructed by its parent, forwarding the write bitmap once
// the transfer is closed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/files2fs"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/writefs"
	"github.com/usbsas/usbsas/internal/process"
)

var devPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-files2fs",
	Short: "Format and write files into a destination image",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := files2fs.New(c, devPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-files2fs", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&devPath, "device", "", "path of the destination image/device to format and write")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
