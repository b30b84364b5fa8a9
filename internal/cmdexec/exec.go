// Package cmdexec runs the configured post-transfer command against the
// written output, grounded on usbsas-cmdexec/src/lib.rs.
package cmdexec

import (
	"fmt"
	"os/exec"

	ulog "github.com/usbsas/usbsas/internal/log"
)

const sourceFilePlaceholder = "%SOURCE_FILE%"

// replaceArgSource substitutes the %SOURCE_FILE% placeholder in args with
// outFname, matching replace_arg_source.
func replaceArgSource(args []string, outFname string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == sourceFilePlaceholder {
			out[i] = outFname
		} else {
			out[i] = a
		}
	}
	return out
}

// runCmd spawns binPath with args, capturing stdout/stderr for the error
// message on a non-zero exit, matching exec_cmd.
func runCmd(binPath string, args []string) error {
	ulog.Logf("cmdexec", "executing %s %v", binPath, args)
	cmd := exec.Command(binPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			ulog.Errorf("cmdexec", "cmd output: %s", out)
			return fmt.Errorf("cmd failed: %w: %s", err, out)
		}
		return fmt.Errorf("cmd failed: %w", err)
	}
	return nil
}
