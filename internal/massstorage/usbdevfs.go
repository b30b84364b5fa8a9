package massstorage

import (
	"fmt"
	"syscall"
	"unsafe"
)

// USBDEVFS_* ioctl request numbers and the bulk-transfer struct layout,
// grounded on other_examples/kevmo314-go-usb/device.go — the pure-Go host
// USBDEVFS binding this transport is modeled on instead of cgo/libusb.
const (
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsBulk             = 0xc0185502
	usbdevfsReset            = 0x5514
)

type usbBulkTransfer struct {
	Ep      uint32
	Len     uint32
	Timeout uint32
	_       uint32 // padding to align the pointer on 64-bit
	Data    uintptr
}

// usbfsHandle is a thin wrapper over an open /dev/bus/usb/<bus>/<dev> fd,
// the one fd a mass-storage worker's sandbox needs to name for its entire
// lifetime.
type usbfsHandle struct {
	fd int
}

func openUsbfs(bus, dev uint32) (*usbfsHandle, error) {
	path := fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev)
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("massstorage: open %s: %w", path, err)
	}
	return &usbfsHandle{fd: fd}, nil
}

func (h *usbfsHandle) Fd() int { return h.fd }

func (h *usbfsHandle) Close() error { return syscall.Close(h.fd) }

func (h *usbfsHandle) claimInterface(n uint32) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(h.fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&n)))
	if errno != 0 {
		return fmt.Errorf("massstorage: claim interface %d: %w", n, errno)
	}
	return nil
}

func (h *usbfsHandle) releaseInterface(n uint32) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(h.fd), usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&n)))
	if errno != 0 {
		return fmt.Errorf("massstorage: release interface %d: %w", n, errno)
	}
	return nil
}

func (h *usbfsHandle) setConfiguration(n uint32) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(h.fd), usbdevfsSetConfiguration, uintptr(unsafe.Pointer(&n)))
	if errno != 0 {
		return fmt.Errorf("massstorage: set configuration %d: %w", n, errno)
	}
	return nil
}

// bulkTransfer issues one synchronous USBDEVFS_BULK ioctl on endpoint ep.
// For OUT endpoints buf is the payload to send; for IN endpoints buf is
// filled in place. timeoutMs of 0 waits indefinitely.
func (h *usbfsHandle) bulkTransfer(ep uint8, buf []byte, timeoutMs uint32) (int, error) {
	xfer := usbBulkTransfer{
		Ep:      uint32(ep),
		Len:     uint32(len(buf)),
		Timeout: timeoutMs,
	}
	if len(buf) > 0 {
		xfer.Data = uintptr(unsafe.Pointer(&buf[0]))
	}
	n, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(h.fd), usbdevfsBulk, uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return 0, fmt.Errorf("massstorage: bulk transfer ep 0x%x: %w", ep, errno)
	}
	return int(n), nil
}
