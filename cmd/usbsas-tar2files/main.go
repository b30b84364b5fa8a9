// Command usbsas-tar2files serves getattr/readdir/readfile requests
// against a transfer archive written earlier by usbsas-files2tar.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/files"
	"github.com/usbsas/usbsas/internal/process"
	"github.com/usbsas/usbsas/internal/tar2files"
)

var tarPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-tar2files",
	Short: "Read files back out of a transfer archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := tar2files.New(c, tarPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-tar2files", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&tarPath, "archive", "", "path of the transfer archive to read")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
