package sandbox

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// Usbsas installs the orchestrator process's own seccomp policy, applied
// once every worker child is spawned and every session file is open:
// the common base rules for the client comm plus every child's pipe fds,
// plus wait4 so EndWaitAll can reap children. Mirrors
// usbsas_sandbox::usbsas::sandbox's seccomp half.
func Usbsas(pipesRead, pipesWrite []int) error {
	f, err := CommonRules(pipesRead, pipesWrite)
	if err != nil {
		return err
	}
	for _, name := range []string{"wait4", "waitid"} {
		id, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue // not every kernel/libseccomp build names both the same way
		}
		if err := f.AddRule(id, seccomp.ActAllow); err != nil {
			return fmt.Errorf("sandbox: allow %s: %w", name, err)
		}
	}
	return Load(f)
}

// UsbsasLandlock grants read-dir and removal rights beneath each session
// path, for cleaning up session temp files on exit; since Restrict handles
// only the rights its rules name, other filesystem rights stay
// unrestricted. Callers must
// call this BEFORE Usbsas: it opens each path with a plain open(2) to
// pin a Landlock rule, which CommonRules' fd-keyed seccomp policy would
// reject once loaded. removePaths is empty when keep_tmp_files is set,
// in which case this is a no-op. Mirrors usbsas_sandbox::usbsas::sandbox's
// paths_rm handling.
func UsbsasLandlock(removePaths []string) error {
	if len(removePaths) == 0 || !Available() {
		return nil
	}
	rules := make([]PathRule, len(removePaths))
	for i, p := range removePaths {
		rules[i] = PathRule{Path: p, Access: AccessReadDir | AccessRemoveFile | AccessRemoveDir}
	}
	return Restrict(rules)
}
