package sandbox

// Filter installs the filter worker's seccomp policy: just the common base
// rule set, since it only reads paths and a config file path already
// opened by its caller. Mirrors usbsas_sandbox::filter::seccomp.
func Filter(inputFd, outputFd int) error {
	f, err := CommonRules([]int{inputFd}, []int{outputFd})
	if err != nil {
		return err
	}
	return Load(f)
}

// Cmdexec installs the post-copy command worker's seccomp policy: the
// common base plus whatever additional fds the caller has already opened
// for the command's stdio, named explicitly since Landlock, not seccomp,
// governs which paths it may exec.
func Cmdexec(inputFd, outputFd int, extraRead, extraWrite []int) error {
	f, err := CommonRules(append([]int{inputFd}, extraRead...), append([]int{outputFd}, extraWrite...))
	if err != nil {
		return err
	}
	return Load(f)
}

// Scsi2Files installs the scsi2files worker's seccomp policy: the common
// base rules for both its own parent pipe and its dev2scsi child's pipe,
// mirroring usbsas_sandbox::scsi2files::seccomp's two-fd-vector call.
func Scsi2Files(parentInFd, parentOutFd, childInFd, childOutFd int) error {
	f, err := CommonRules([]int{parentInFd, childInFd}, []int{parentOutFd, childOutFd})
	if err != nil {
		return err
	}
	return Load(f)
}

// Dev2Scsi installs the dev2scsi worker's seccomp policy: the common base
// over its own comm fds plus, once a device is opened, the USBDEVFS
// ioctls its claimed interface's fds are allowed to issue. Mirrors
// usbsas_sandbox::dev2scsi::seccomp. mockFd is the backing file's fd when
// the worker opened a massstorage.OpenMock device instead of a real one
// (-1 otherwise): a mock device has no libusb fd to find via
// ScanOpenedLibusbFds, so its plain read/write/lseek access is named
// directly instead.
func Dev2Scsi(inputFd, outputFd, mockFd int, busnum, devnum uint32) error {
	reads := []int{inputFd}
	writes := []int{outputFd}
	if mockFd >= 0 {
		reads = append(reads, mockFd)
		writes = append(writes, mockFd)
	}
	f, err := CommonRules(reads, writes)
	if err != nil {
		return err
	}
	if mockFd < 0 {
		fds, err := ScanOpenedLibusbFds(busnum, devnum)
		if err != nil {
			return err
		}
		if err := AllowLibusbIoctls(f, fds); err != nil {
			return err
		}
	}
	return Load(f)
}

// Files2Tar installs the files2tar worker's seccomp policy: the common
// base plus the already-opened archive file's fd, which it only ever
// writes to. Mirrors usbsas_sandbox::files2tar::seccomp.
func Files2Tar(inputFd, outputFd, archiveFd int) error {
	f, err := CommonRules([]int{inputFd}, []int{outputFd, archiveFd})
	if err != nil {
		return err
	}
	return Load(f)
}

// Tar2Files installs the tar2files worker's seccomp policy: the common
// base plus, when a transfer archive is in play, its read-only fd.
// archiveFd is -1 when the worker is draining to End without ever opening
// one (the busnum==0-equivalent reset path). Mirrors
// usbsas_sandbox::tar2files::seccomp.
func Tar2Files(inputFd, outputFd, archiveFd int) error {
	reads := []int{inputFd}
	if archiveFd >= 0 {
		reads = append(reads, archiveFd)
	}
	f, err := CommonRules(reads, []int{outputFd})
	if err != nil {
		return err
	}
	return Load(f)
}

// Files2Fs installs the files2fs worker's seccomp policy: the common base
// plus the destination image fd, which it both reads (FAT/FAT table
// read-modify-write) and writes. Mirrors usbsas_sandbox::files2fs::seccomp.
func Files2Fs(inputFd, outputFd, devFd int) error {
	f, err := CommonRules([]int{inputFd, devFd}, []int{outputFd, devFd})
	if err != nil {
		return err
	}
	return Load(f)
}

// Imager installs the standalone cloning tool's own seccomp policy: the
// common base rules over every pipe fd it has open at the point of the
// call (its dev2scsi child, optionally its usbdev child, and its output
// file or stdout). Mirrors usbsas_sandbox::imager::seccomp.
func Imager(pipesRead, pipesWrite []int) error {
	f, err := CommonRules(pipesRead, pipesWrite)
	if err != nil {
		return err
	}
	return Load(f)
}

// Files2Dev installs the fs2dev worker's seccomp policy: the common base
// plus the formatted image fd (read-only) and the destination device fd.
// fsFd/devFd are -1 for the "reset, nothing opened" drain path. A real
// destination device also needs the USBDEVFS ioctls its claimed
// interface's fds may issue, found via ScanOpenedLibusbFds exactly as
// Dev2Scsi does; mock names devFd directly in the common rule set instead
// and skips the scan, since massstorage.OpenMock never opens a libusb fd.
// Mirrors usbsas_sandbox::fs2dev::seccomp.
func Files2Dev(inputFd, outputFd, fsFd, devFd int, mock bool, busnum, devnum uint32) error {
	reads := []int{inputFd}
	if fsFd >= 0 {
		reads = append(reads, fsFd)
	}
	writes := []int{outputFd}
	if devFd >= 0 {
		writes = append(writes, devFd)
	}
	f, err := CommonRules(reads, writes)
	if err != nil {
		return err
	}
	if devFd >= 0 && !mock {
		fds, err := ScanOpenedLibusbFds(busnum, devnum)
		if err != nil {
			return err
		}
		if err := AllowLibusbIoctls(f, fds); err != nil {
			return err
		}
	}
	return Load(f)
}
