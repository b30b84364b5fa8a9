// Package mock builds a fixture sysfs tree internal/usbdev's scanUsbDevices
// can enumerate in place of the real /sys/bus/usb/devices, for
// internal/scenario's end-to-end runs. Grounded on usbsas-mock/src/usbdev.rs
// (one hardcoded fake device per env-gated slot), adapted here to a
// directory tree since this port's enumerator walks sysfs rather than
// serving an in-process struct.
package mock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Device describes one fake USB mass-storage device to seed into a fixture
// sysfs tree, matching the attributes usbdev's sysfs.go reads.
type Device struct {
	Bus, Dev               uint32
	VendorID, ProductID    uint32
	Manufacturer, Product  string
	Serial                 string
	Optical                bool // seeds a UFI (subclass 02) interface instead of SCSI (06)
}

// WriteFixture creates root (and its parents) and populates one sysfs-shaped
// device node per entry in devices, each with a child interface directory
// carrying the mass-storage class/subclass attributes scanUsbDevices
// filters on.
func WriteFixture(root string, devices []Device) error {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("usbdev/mock: mkdir %s: %w", root, err)
	}
	for _, d := range devices {
		name := fmt.Sprintf("%d-%d", d.Bus, d.Dev)
		devDir := filepath.Join(root, name)
		if err := os.MkdirAll(devDir, 0o750); err != nil {
			return fmt.Errorf("usbdev/mock: mkdir %s: %w", devDir, err)
		}
		attrs := map[string]string{
			"idVendor":     fmt.Sprintf("%04x", d.VendorID),
			"idProduct":    fmt.Sprintf("%04x", d.ProductID),
			"manufacturer": d.Manufacturer,
			"product":      d.Product,
			"serial":       d.Serial,
			"busnum":       strconv.Itoa(int(d.Bus)),
			"devnum":       strconv.Itoa(int(d.Dev)),
			"devpath":      "1",
		}
		for attr, val := range attrs {
			if err := os.WriteFile(filepath.Join(devDir, attr), []byte(val+"\n"), 0o640); err != nil {
				return fmt.Errorf("usbdev/mock: write %s/%s: %w", devDir, attr, err)
			}
		}

		ifaceDir := filepath.Join(devDir, name+":1.0")
		if err := os.MkdirAll(ifaceDir, 0o750); err != nil {
			return fmt.Errorf("usbdev/mock: mkdir %s: %w", ifaceDir, err)
		}
		subclass := "06"
		if d.Optical {
			subclass = "02"
		}
		if err := os.WriteFile(filepath.Join(ifaceDir, "bInterfaceClass"), []byte("08\n"), 0o640); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(ifaceDir, "bInterfaceSubClass"), []byte(subclass+"\n"), 0o640); err != nil {
			return err
		}
	}
	return nil
}
