// Command usbsas-uploader sends a transfer's staged tar archive to a
// network destination named in its single Upload request.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/uploader"
	"github.com/usbsas/usbsas/internal/process"
	"github.com/usbsas/usbsas/internal/uploader"
)

var tarPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-uploader",
	Short: "Upload a staged transfer archive to a network destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := uploader.New(c, tarPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-uploader", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&tarPath, "archive", "", "path of the staged transfer archive to upload")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
