// Command usbsas-files2tar streams a staged file selection into a ustar
// archive on the destination filesystem.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/files2tar"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	proto "github.com/usbsas/usbsas/internal/proto/writetar"
)

var (
	archivePath string
	prefix      string
	noArchive   bool
)

var rootCmd = &cobra.Command{
	Use:   "usbsas-files2tar",
	Short: "Write a staged file selection to a ustar archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		var w *files2tar.Worker
		if noArchive {
			w = files2tar.NewEnd(c)
		} else {
			w = files2tar.New(c, archivePath, prefix)
		}
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-files2tar", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&archivePath, "archive", "", "path of the archive file to create")
	rootCmd.Flags().StringVar(&prefix, "prefix", "", "top-level directory name to nest every entry under")
	rootCmd.Flags().BoolVar(&noArchive, "no-archive", false, "skip straight to draining (usbsas is resetting)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
