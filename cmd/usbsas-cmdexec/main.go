// Command usbsas-cmdexec runs the configured post-transfer and/or
// post-copy command against a transfer's output.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usbsas/usbsas/internal/cmdexec"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/cmdexec"
	"github.com/usbsas/usbsas/internal/process"
)

var outTar, outFs, configPath string

var rootCmd = &cobra.Command{
	Use:   "usbsas-cmdexec",
	Short: "Run the configured post-transfer command",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := process.ChildComm[proto.Request, proto.Response]()
		w := cmdexec.New(c, outTar, outFs, configPath)
		if err := w.Run(); err != nil {
			ulog.Errorf("usbsas-cmdexec", "%v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&outTar, "out-tar", "", "path of the transfer's tar archive output")
	rootCmd.Flags().StringVar(&outFs, "out-fs", "", "path of the transfer's filesystem image output")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path of the application configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
