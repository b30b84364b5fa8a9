// Package usbdev enumerates attached USB mass-storage devices and reports
// them to the orchestrator, grounded on usbsas-usbdev/src/lib.rs. The
// original drives a udev netlink monitor; no udev binding is available
// anywhere in the retrieved dependency pack (go.sum of every example repo
// was checked), so this port walks /sys/bus/usb/devices directly and
// polls it on a timer instead of subscribing to kernel uevents — the same
// information (plug/unplug deltas), gathered by repeated sysfs reads
// rather than netlink notifications. See DESIGN.md for the full tradeoff.
package usbdev

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsUsbDevices is the root walked by scanUsbDevices. It is a var rather
// than a const so internal/scenario's harness can point enumeration at a
// fixture directory tree (via the USBSAS_MOCK_SYSFS_ROOT env var, read at
// package init) instead of the real sysfs path, grounded on
// usbsas-mock/src/usbdev.rs's env-gated fake devices.
var sysfsUsbDevices = "/sys/bus/usb/devices"

func init() {
	if root := os.Getenv("USBSAS_MOCK_SYSFS_ROOT"); root != "" {
		sysfsUsbDevices = root
	}
}

// massStorageInterfaceClass/subclasses identify a SCSI (06) or UFI floppy
// (02) mass-storage interface under USB class 08, mirroring the
// ":080650:"/":080250:" substring checks against udev's ID_USB_INTERFACES.
const massStorageInterfaceClass = "08"

var massStorageSubclasses = map[string]bool{"06": true, "02": true}

// sysfsDevice is one raw device node read straight out of sysfs, before
// port-access and role classification.
type sysfsDevice struct {
	Syspath      string
	Devpath      []string // "devpath" attribute, split on '.'
	Busnum       uint32
	Devnum       uint32
	VendorId     uint32
	ProductId    uint32
	Manufacturer string
	Product      string
	Serial       string
	IsOptical    bool // UFI/CD-style interface present: never a destination
}

func readAttr(dir, name string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

func readAttrUint(dir, name string, base int) (uint32, bool) {
	s, ok := readAttr(dir, name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// hasMassStorageInterface reports whether devDir (a USB device's sysfs
// node) has a child interface directory whose class/subclass matches mass
// storage, and separately whether any such interface looks like an optical
// (UFI) reader.
func hasMassStorageInterface(devDir, devName string) (massStorage, optical bool) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return false, false
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), devName+":") {
			continue
		}
		ifaceDir := filepath.Join(devDir, e.Name())
		class, ok := readAttr(ifaceDir, "bInterfaceClass")
		if !ok || class != massStorageInterfaceClass {
			continue
		}
		sub, ok := readAttr(ifaceDir, "bInterfaceSubClass")
		if !ok || !massStorageSubclasses[sub] {
			continue
		}
		massStorage = true
		if sub == "02" {
			optical = true
		}
	}
	return massStorage, optical
}

// scanUsbDevices walks sysfs once and returns every currently attached USB
// mass-storage device, mirroring the enumerator.scan_devices() pass in
// handle_udev_events plus add_device's attribute reads.
func scanUsbDevices() ([]sysfsDevice, error) {
	entries, err := os.ReadDir(sysfsUsbDevices)
	if err != nil {
		return nil, err
	}
	var out []sysfsDevice
	for _, e := range entries {
		name := e.Name()
		// Device nodes look like "1-2" or "usb1"; interfaces have a colon
		// ("1-2:1.0") and are skipped here, visited via hasMassStorageInterface.
		if strings.Contains(name, ":") {
			continue
		}
		devDir := filepath.Join(sysfsUsbDevices, name)
		if _, ok := readAttr(devDir, "idVendor"); !ok {
			continue
		}
		massStorage, optical := hasMassStorageInterface(devDir, name)
		if !massStorage {
			continue
		}

		syspath, err := filepath.EvalSymlinks(devDir)
		if err != nil {
			syspath = devDir
		}

		var devpath []string
		if dp, ok := readAttr(devDir, "devpath"); ok {
			devpath = strings.Split(dp, ".")
		}

		busnum, _ := readAttrUint(devDir, "busnum", 10)
		devnum, _ := readAttrUint(devDir, "devnum", 10)
		vendorId, _ := readAttrUint(devDir, "idVendor", 16)
		productId, _ := readAttrUint(devDir, "idProduct", 16)
		manufacturer, _ := readAttr(devDir, "manufacturer")
		product, _ := readAttr(devDir, "product")
		serial, _ := readAttr(devDir, "serial")

		out = append(out, sysfsDevice{
			Syspath:      syspath,
			Devpath:      devpath,
			Busnum:       busnum,
			Devnum:       devnum,
			VendorId:     vendorId,
			ProductId:    productId,
			Manufacturer: manufacturer,
			Product:      product,
			Serial:       serial,
			IsOptical:    optical,
		})
	}
	return out, nil
}
