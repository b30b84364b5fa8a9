// Package identificator answers the orchestrator's single "who is the
// operator" question. No upstream source for this worker was retrieved
// alongside the rest of the pack (usbsas-usbdev/src/lib.rs covers device
// enumeration only), so its shape is inferred from how the orchestrator
// consumes it: InitState::userid in usbsas-usbsas/src/states.rs calls
// children.identificator.comm.userid(RequestUserId{}) exactly once per
// session and treats an empty string as "unidentified".
package identificator

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/usbsas/usbsas/internal/config"
)

// fetchUserId runs the configured command and returns its trimmed stdout as
// the operator's id. An empty Bin falls back to USBSAS_USERID, standing in
// for whatever badge/smartcard middleware a deployment would otherwise run.
func fetchUserId(cmd config.Identificator) (string, error) {
	if cmd.Bin == "" {
		return strings.TrimSpace(os.Getenv("USBSAS_USERID")), nil
	}
	var out bytes.Buffer
	c := exec.Command(cmd.Bin, cmd.Args...)
	c.Stdout = &out
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("identificator: run %s: %w", cmd.Bin, err)
	}
	return strings.TrimSpace(out.String()), nil
}
