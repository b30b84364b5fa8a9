package orchestrator

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	"github.com/usbsas/usbsas/internal/proto/common"
	usbdevpb "github.com/usbsas/usbsas/internal/proto/usbdev"
)

// Devices is the live id -> Device map every state consults, grounded on
// usbsas-usbsas/src/states.rs's RunState::devices and HashMap<u64, Device>.
type Devices map[uint64]*common.Device

// NewDevices seeds the map with every device the config names up front
// (network destinations, the source network if any, and the post-copy
// command destination), mirroring InitState's constructor body. USB
// devices are added later by Refresh.
func NewDevices(cfg *config.Config) Devices {
	d := make(Devices)
	for _, n := range cfg.Networks {
		dev := &common.Device{
			Kind: common.DeviceNetwork,
			Network: &common.NetworkDevice{
				URL: n.URL, AuthService: n.KrbServiceName,
				Title: n.Title, Description: n.Description,
				SrcAllowed: n.SrcAllowed, DstAllowed: n.DstAllowed,
			},
		}
		dev.ComputeID()
		d[dev.ID] = dev
	}
	if cfg.SourceNetwork != nil {
		n := cfg.SourceNetwork
		dev := &common.Device{
			Kind: common.DeviceNetwork,
			Network: &common.NetworkDevice{
				URL: n.URL, AuthService: n.KrbServiceName,
				Title: n.Title, Description: n.Description,
				SrcAllowed: true, DstAllowed: n.DstAllowed,
			},
		}
		dev.ComputeID()
		d[dev.ID] = dev
	}
	if cfg.Command.Bin != "" {
		dev := &common.Device{
			Kind: common.DeviceCommand,
			Command: &common.CommandDevice{
				Binary: cfg.Command.Bin, Args: cfg.Command.Args,
				Title: cfg.Command.Bin, Description: "post-copy command",
			},
		}
		dev.ComputeID()
		d[dev.ID] = dev
	}
	for _, dir := range cfg.SrcLocalDirs {
		dev := &common.Device{
			Kind: common.DeviceLocalDir,
			LocalDir: &common.LocalDirDevice{
				Path: dir, Title: dir, Description: "local directory",
				SrcAllowed: true, DstAllowed: false,
			},
		}
		dev.ComputeID()
		d[dev.ID] = dev
	}
	return d
}

// Refresh drops every currently known USB device and re-inserts the set
// usbdev currently reports, mirroring RunState::devices's
// "remove all Device::Usb entries, then re-insert the fresh list" dance.
func (d Devices) Refresh(children *Children) error {
	if err := comm.Send(children.Usbdev.Comm, usbdevpb.Request{Kind: usbdevpb.ReqDevices}); err != nil {
		return fmt.Errorf("orchestrator: devices request: %w", err)
	}
	buf, err := comm.RecvRaw(children.Usbdev.Comm)
	if err != nil {
		return fmt.Errorf("orchestrator: devices recv: %w", err)
	}
	rep, err := usbdevpb.UnmarshalResponse(buf)
	if err != nil {
		return fmt.Errorf("orchestrator: devices decode: %w", err)
	}
	if rep.Kind == usbdevpb.RespError {
		return fmt.Errorf("orchestrator: usbdev: %s", rep.Error.Message)
	}

	for id, dev := range d {
		if dev.Kind == common.DeviceUSB {
			delete(d, id)
		}
	}
	for _, u := range rep.Devices {
		dev := &common.Device{Kind: common.DeviceUSB, Usb: u}
		dev.ComputeID()
		d[dev.ID] = dev
	}
	return nil
}

// Filtered returns every USB device, plus every other device kind when
// includeAlt is set, matching RunState::devices's response filter.
func (d Devices) Filtered(includeAlt bool) []*common.Device {
	var out []*common.Device
	for _, dev := range d {
		if dev.Kind == common.DeviceUSB || includeAlt {
			out = append(out, dev)
		}
	}
	return out
}

// TakeUSB removes and returns the USB device matching id, if any.
func (d Devices) TakeUSB(id uint64) (*common.Device, bool) {
	dev, ok := d[id]
	if !ok || dev.Kind != common.DeviceUSB {
		return nil, false
	}
	delete(d, id)
	return dev, true
}
