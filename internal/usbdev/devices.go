package usbdev

import (
	"sync"

	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/proto/common"
)

// cmpPort reports whether a device's devpath component chain matches an
// allowlisted port's component chain, mirroring cmp_vec.
func cmpPort(devpath, port []string) bool {
	if len(devpath) != len(port) {
		return false
	}
	for i := range devpath {
		if devpath[i] != port[i] {
			return false
		}
	}
	return true
}

// classify decides whether a device plugged into devpath may act as a
// transfer source and/or destination, mirroring add_device's port-access
// check and its "never destination if optical disk reader" override.
func classify(devpath []string, optical bool, ports *config.UsbPortAccesses) (isSrc, isDst, allowed bool) {
	if ports == nil {
		isSrc, isDst, allowed = true, true, true
	} else if cmpPort(devpath, ports.PortsSrc) {
		isSrc, allowed = true, true
	} else if cmpPort(devpath, ports.PortsDst) {
		isDst, allowed = true, true
	} else {
		return false, false, false
	}
	if optical {
		isDst = false
	}
	return isSrc, isDst, true
}

// CurrentDevices is the mutex-protected live set of plugged-in USB
// mass-storage devices, keyed by sysfs path. Mirrors CurrentDevices.
type CurrentDevices struct {
	mu              sync.Mutex
	devices         map[string]*common.UsbDevice
	usbPortAccesses *config.UsbPortAccesses
}

// NewCurrentDevices builds an empty device set, optionally restricted to
// the given port allowlist (nil means every port is both src- and
// dst-allowed).
func NewCurrentDevices(ports *config.UsbPortAccesses) *CurrentDevices {
	return &CurrentDevices{devices: make(map[string]*common.UsbDevice), usbPortAccesses: ports}
}

// Add registers or replaces the device at d.Syspath, applying port
// classification. It is a no-op (logged) if the device's port isn't
// allowlisted. Mirrors CurrentDevices::add_device.
func (c *CurrentDevices) Add(d sysfsDevice) {
	isSrc, isDst, allowed := classify(d.Devpath, d.IsOptical, c.usbPortAccesses)
	if !allowed {
		ulog.Debugf("usbdev", "device plugged in unauthorized port %v", d.Devpath)
		return
	}

	dev := &common.UsbDevice{
		Bus:          d.Busnum,
		Dev:          d.Devnum,
		VendorID:     d.VendorId,
		ProductID:    d.ProductId,
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		Description:  d.Product,
		Serial:       d.Serial,
		SrcAllowed:   isSrc,
		DstAllowed:   isDst,
	}

	ulog.Logf("usbdev", "device plugged %d-%d (%s %s)", dev.Bus, dev.Dev, dev.Manufacturer, dev.Description)

	c.mu.Lock()
	c.devices[d.Syspath] = dev
	c.mu.Unlock()
}

// Remove drops the device previously registered at syspath, if any.
// Mirrors CurrentDevices::rm_device.
func (c *CurrentDevices) Remove(syspath string) {
	c.mu.Lock()
	dev, ok := c.devices[syspath]
	if ok {
		delete(c.devices, syspath)
	}
	c.mu.Unlock()
	if ok {
		ulog.Debugf("usbdev", "see you %d-%d", dev.Bus, dev.Dev)
	}
}

// List returns a snapshot of every currently tracked device.
func (c *CurrentDevices) List() []*common.UsbDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*common.UsbDevice, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}
