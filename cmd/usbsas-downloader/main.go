// Command usbsas-downloader fetches a transfer's source archive from a
// configured network location into a local staging tar file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/downloader"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/downloader"
	"github.com/usbsas/usbsas/internal/process"
)

var tarPath, configPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-downloader",
	Short: "Fetch a source archive from a configured network location",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := downloader.New(c, tarPath, configPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-downloader", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&tarPath, "archive", "", "path of the staging tar file to write")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path of the application configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
