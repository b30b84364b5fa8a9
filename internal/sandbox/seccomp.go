// Package sandbox builds the per-worker seccomp-bpf and Landlock
// confinement every usbsas worker installs before touching untrusted
// input, grounded on usbsas-privileges/src/lib.rs.
package sandbox

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// CommonRules builds the filter every worker starts from: kill by default,
// then allow exactly the syscalls a confined worker needs to keep running
// its own request/response loop, naming only the fds it was handed.
// Mirrors new_context_with_common_rules in usbsas-privileges/src/lib.rs.
func CommonRules(fdsRead, fdsWrite []int) (*seccomp.ScmpFilter, error) {
	filter, err := seccomp.NewFilter(seccomp.ActKillProcess)
	if err != nil {
		return nil, fmt.Errorf("sandbox: new filter: %w", err)
	}

	if err := allowFdSyscall(filter, "read", fdsRead); err != nil {
		return nil, err
	}
	if err := allowFdSyscall(filter, "write", fdsWrite); err != nil {
		return nil, err
	}
	allFds := append(append([]int{}, fdsRead...), fdsWrite...)
	if err := allowFdSyscall(filter, "close", allFds); err != nil {
		return nil, err
	}
	// lseek: needed by any worker that seeks a named fd directly (files2fs's
	// FAT table rewrites, fs2dev/tar2files' archive readers, dev2scsi's
	// mock device file).
	if err := allowFdSyscall(filter, "lseek", allFds); err != nil {
		return nil, err
	}
	// stdout/stderr
	if err := allowFdSyscall(filter, "write", []int{1, 2}); err != nil {
		return nil, err
	}

	if err := allowMmapNullOnly(filter); err != nil {
		return nil, err
	}
	if err := allowMremapNoExec(filter); err != nil {
		return nil, err
	}

	for _, name := range []string{
		"sigaltstack", "munmap", "exit_group", "futex", "brk",
		"clock_gettime", "rt_sigreturn",
	} {
		id, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			return nil, fmt.Errorf("sandbox: lookup %s: %w", name, err)
		}
		if err := filter.AddRule(id, seccomp.ActAllow); err != nil {
			return nil, fmt.Errorf("sandbox: allow %s: %w", name, err)
		}
	}

	return filter, nil
}

func allowFdSyscall(filter *seccomp.ScmpFilter, name string, fds []int) error {
	id, err := seccomp.GetSyscallFromName(name)
	if err != nil {
		return fmt.Errorf("sandbox: lookup %s: %w", name, err)
	}
	for _, fd := range fds {
		cond, err := seccomp.MakeCondition(0, seccomp.CompareEqual, uint64(fd))
		if err != nil {
			return fmt.Errorf("sandbox: condition for %s(%d): %w", name, fd, err)
		}
		if err := filter.AddRuleConditional(id, seccomp.ActAllow, []seccomp.ScmpCondition{cond}); err != nil {
			return fmt.Errorf("sandbox: rule for %s(%d): %w", name, fd, err)
		}
	}
	return nil
}

const protExec = 0x4 // linux/mman.h PROT_EXEC

func allowMmapNullOnly(filter *seccomp.ScmpFilter) error {
	id, err := seccomp.GetSyscallFromName("mmap")
	if err != nil {
		return fmt.Errorf("sandbox: lookup mmap: %w", err)
	}
	nullAddr, err := seccomp.MakeCondition(0, seccomp.CompareEqual, 0)
	if err != nil {
		return err
	}
	if err := filter.AddRuleConditional(id, seccomp.ActAllow, []seccomp.ScmpCondition{nullAddr}); err != nil {
		return fmt.Errorf("sandbox: allow mmap(NULL): %w", err)
	}
	noExec, err := seccomp.MakeCondition(2, seccomp.CompareMaskedEqual, protExec, protExec)
	if err != nil {
		return err
	}
	if err := filter.AddRuleConditional(id, seccomp.ActKillThread, []seccomp.ScmpCondition{noExec}); err != nil {
		return fmt.Errorf("sandbox: deny mmap(PROT_EXEC): %w", err)
	}
	return nil
}

func allowMremapNoExec(filter *seccomp.ScmpFilter) error {
	id, err := seccomp.GetSyscallFromName("mremap")
	if err != nil {
		return fmt.Errorf("sandbox: lookup mremap: %w", err)
	}
	if err := filter.AddRule(id, seccomp.ActAllow); err != nil {
		return fmt.Errorf("sandbox: allow mremap: %w", err)
	}
	noExec, err := seccomp.MakeCondition(2, seccomp.CompareMaskedEqual, protExec, protExec)
	if err != nil {
		return err
	}
	if err := filter.AddRuleConditional(id, seccomp.ActKillThread, []seccomp.ScmpCondition{noExec}); err != nil {
		return fmt.Errorf("sandbox: deny mremap(PROT_EXEC): %w", err)
	}
	return nil
}

// Load finalizes and installs filter into the running process. Callers
// must have already opened every fd they will ever need: no more syscalls
// can be allowed once this returns.
func Load(filter *seccomp.ScmpFilter) error {
	defer filter.Release()
	if err := filter.Load(); err != nil {
		return fmt.Errorf("sandbox: load filter: %w", err)
	}
	return nil
}
