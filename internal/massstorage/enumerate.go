package massstorage

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"
)

// usbCtrlTransfer mirrors the kernel's usbdevfs_ctrltransfer struct,
// grounded on the usbCtrlRequest layout in
// other_examples/kevmo314-go-usb/device.go.
type usbCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        uintptr
}

const usbdevfsControl = 0xc0185500

const (
	descTypeConfig    = 2
	descTypeInterface = 4
	descTypeEndpoint  = 5

	classMassStorage  = 0x08
	subclassSCSI      = 0x06
	subclassRBC       = 0x01
	protocolBulkOnly  = 0x50

	endpointDirIn = 0x80
)

func (h *usbfsHandle) getDescriptor(descType uint8, index uint8, buf []byte) (int, error) {
	ctrl := usbCtrlTransfer{
		RequestType: 0x80, // device-to-host, standard, device recipient
		Request:     0x06, // GET_DESCRIPTOR
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       0,
		Length:      uint16(len(buf)),
		Timeout:     1000,
	}
	if len(buf) > 0 {
		ctrl.Data = uintptr(unsafe.Pointer(&buf[0]))
	}
	n, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(h.fd), usbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return 0, fmt.Errorf("massstorage: get descriptor type %d: %w", descType, errno)
	}
	return int(n), nil
}

// massStorageInterface is what enumeration needs to open a claimed
// interface: its number and the two bulk endpoint addresses.
type massStorageInterface struct {
	number int
	epIn   uint8
	epOut  uint8
}

// findMassStorageInterface fetches the active configuration descriptor and
// walks it for an interface with class 0x08 (mass storage), subclass
// 0x01 (RBC) or 0x06 (SCSI transparent command set), protocol 0x50
// (bulk-only transport) — the same interface-matching rule
// usbsas-mass-storage/src/lib.rs applies via rusb's descriptor iterators.
func findMassStorageInterface(h *usbfsHandle) (*massStorageInterface, error) {
	head := make([]byte, 9)
	if _, err := h.getDescriptor(descTypeConfig, 0, head); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint16(head[2:4])
	full := make([]byte, total)
	if _, err := h.getDescriptor(descTypeConfig, 0, full); err != nil {
		return nil, err
	}

	var (
		cur          *massStorageInterface
		curIsMS      bool
		seenEpIn     uint8
		seenEpOut    uint8
	)
	i := 0
	for i+2 <= len(full) {
		length := int(full[i])
		if length == 0 {
			break
		}
		descType := full[i+1]
		switch descType {
		case descTypeInterface:
			if curIsMS && cur != nil && seenEpIn != 0 && seenEpOut != 0 {
				cur.epIn, cur.epOut = seenEpIn, seenEpOut
				return cur, nil
			}
			if length < 9 || i+9 > len(full) {
				break
			}
			ifaceNum := int(full[i+2])
			class := full[i+5]
			subclass := full[i+6]
			protocol := full[i+7]
			curIsMS = class == classMassStorage &&
				(subclass == subclassSCSI || subclass == subclassRBC) &&
				protocol == protocolBulkOnly
			if curIsMS {
				cur = &massStorageInterface{number: ifaceNum}
				seenEpIn, seenEpOut = 0, 0
			} else {
				cur = nil
			}
		case descTypeEndpoint:
			if curIsMS && length >= 7 && i+7 <= len(full) {
				addr := full[i+2]
				attrs := full[i+3]
				if attrs&0x03 == 0x02 { // bulk transfer type
					if addr&endpointDirIn != 0 {
						seenEpIn = addr
					} else {
						seenEpOut = addr
					}
				}
			}
		}
		i += length
	}
	if curIsMS && cur != nil && seenEpIn != 0 && seenEpOut != 0 {
		cur.epIn, cur.epOut = seenEpIn, seenEpOut
		return cur, nil
	}
	return nil, fmt.Errorf("massstorage: no bulk-only mass-storage interface found")
}

// OpenFromBusDev opens /dev/bus/usb/<bus>/<dev>, enumerates its
// configuration descriptor to find the mass-storage interface, claims it,
// and probes capacity — the Go equivalent of
// MassStorage::from_busnum_devnum in usbsas-mass-storage/src/lib.rs,
// built on this package's own USBDEVFS descriptor/bulk-transfer layer
// instead of libusb/rusb.
func OpenFromBusDev(busnum, devnum uint32) (*Device, error) {
	h, err := openUsbfs(busnum, devnum)
	if err != nil {
		return nil, err
	}
	iface, err := findMassStorageInterface(h)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Close() // Open() below reopens and claims cleanly
	return Open(busnum, devnum, uint32(iface.number), iface.epIn, iface.epOut)
}
