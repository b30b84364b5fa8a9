package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// LibusbFds classifies the fds a worker's own USB host-transport layer has
// open at sandbox-install time: the device node itself, plus the
// timerfd/eventfd pairs the bulk-transfer loop polls on. Grounded on
// get_libusb_opened_fds in usbsas-privileges/src/lib.rs, adapted from
// procfs-crate's FDTarget classification to a manual /proc/self/fd walk
// since this module replaces libusb with pure-Go USBDEVFS ioctls and has
// no rusb handle to query fds from.
type LibusbFds struct {
	Device *int
	Timers []int
	Events []int
}

// ScanOpenedLibusbFds walks /proc/self/fd classifying the device node for
// bus/dev and any anonymous timerfd/eventfd inodes a polling transport
// loop may have created.
func ScanOpenedLibusbFds(bus, dev uint32) (LibusbFds, error) {
	var out LibusbFds
	devPath := fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev)

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return out, fmt.Errorf("sandbox: read /proc/self/fd: %w", err)
	}
	for _, ent := range entries {
		fd, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join("/proc/self/fd", ent.Name()))
		if err != nil {
			continue
		}
		switch {
		case target == devPath:
			f := fd
			out.Device = &f
		case strings.Contains(target, "anon_inode:[timerfd]"):
			out.Timers = append(out.Timers, fd)
		case strings.Contains(target, "anon_inode:[eventfd]"):
			out.Events = append(out.Events, fd)
		}
	}
	return out, nil
}

// USBDEVFS_* ioctl request numbers, grounded on other_examples'
// kevmo314-go-usb/device.go (the pure-Go host-side USBDEVFS binding this
// tree's internal/massstorage transport is built from).
const (
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsReapURBNonBlock  = 0x4008550d
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsIOCTL            = 0xc0105512
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsGetCapabilities  = 0x8004551a
	usbdevfsDisconnectClaim  = 0x8108551b
	usbdevfsReset            = 0x0000551d
)

// AllowLibusbIoctls overlays the common rule set with exactly the ioctl
// numbers and fds a mass-storage worker's USB transport loop needs (plus
// poll/ppoll and per-fd read/write/close/timerfd_settime for its event and
// timer fds), mirroring apply_libusb_rules in usbsas-privileges/src/lib.rs.
func AllowLibusbIoctls(filter *seccomp.ScmpFilter, fds LibusbFds) error {
	ioctlID, err := seccomp.GetSyscallFromName("ioctl")
	if err != nil {
		return fmt.Errorf("sandbox: lookup ioctl: %w", err)
	}
	if fds.Device != nil {
		for _, req := range []uint64{
			usbdevfsSubmitURB, usbdevfsReapURBNonBlock, usbdevfsReleaseInterface,
			usbdevfsIOCTL, usbdevfsDiscardURB, usbdevfsGetCapabilities,
			usbdevfsDisconnectClaim, usbdevfsReset,
		} {
			fdCond, err := seccomp.MakeCondition(0, seccomp.CompareEqual, uint64(*fds.Device))
			if err != nil {
				return err
			}
			reqCond, err := seccomp.MakeCondition(1, seccomp.CompareEqual, req)
			if err != nil {
				return err
			}
			if err := filter.AddRuleConditional(ioctlID, seccomp.ActAllow, []seccomp.ScmpCondition{fdCond, reqCond}); err != nil {
				return fmt.Errorf("sandbox: allow ioctl 0x%x: %w", req, err)
			}
		}
	}

	for _, name := range []string{"poll", "ppoll"} {
		id, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue // not present on every arch's syscall table
		}
		if err := filter.AddRule(id, seccomp.ActAllow); err != nil {
			return fmt.Errorf("sandbox: allow %s: %w", name, err)
		}
	}

	allFds := append(append([]int{}, fds.Timers...), fds.Events...)
	if fds.Device != nil {
		allFds = append(allFds, *fds.Device)
	}
	if err := allowFdSyscall(filter, "read", allFds); err != nil {
		return err
	}
	if err := allowFdSyscall(filter, "write", allFds); err != nil {
		return err
	}
	if err := allowFdSyscall(filter, "close", allFds); err != nil {
		return err
	}
	if len(fds.Timers) > 0 {
		if err := allowFdSyscall(filter, "timerfd_settime", fds.Timers); err != nil {
			return err
		}
	}
	return nil
}
