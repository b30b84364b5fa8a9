// Package common holds the data types shared by every worker schema:
// Device, Partition, FileInfo, Status, and the two JSON report types.
// It is the Go analogue of usbsas-proto's "common" proto module.
package common

import (
	"fmt"
	"hash/fnv"

	"github.com/usbsas/usbsas/internal/proto/wire"
)

// DeviceKind discriminates the Device tagged union (spec.md §3).
type DeviceKind int32

const (
	DeviceUnknown DeviceKind = iota
	DeviceUSB
	DeviceNetwork
	DeviceCommand
	DeviceLocalDir
)

// UsbDevice is the Usb variant of Device.
type UsbDevice struct {
	Bus          uint32
	Dev          uint32
	VendorID     uint32
	ProductID    uint32
	Manufacturer string
	Product      string
	Serial       string
	Description  string
	SrcAllowed   bool
	DstAllowed   bool
	Size         uint64 // 0 = unknown
	BlockSize    uint32 // 0 = unknown
}

func (u UsbDevice) String() string {
	return fmt.Sprintf("%s - %s - %s (%04x:%04x)", u.Manufacturer, u.Description, u.Serial, u.VendorID, u.ProductID)
}

// NetworkDevice is the Network variant of Device.
type NetworkDevice struct {
	URL           string
	AuthService   string // krb_service_name, empty if unset
	Title         string
	Description   string
	SrcAllowed    bool
	DstAllowed    bool
}

// CommandDevice is the Command variant of Device.
type CommandDevice struct {
	Binary      string
	Args        []string
	Title       string
	Description string
}

// LocalDirDevice is the LocalDir variant of Device.
type LocalDirDevice struct {
	Path        string
	Title       string
	Description string
	SrcAllowed  bool
	DstAllowed  bool
}

// Device is the tagged-union identity spec.md §3 describes. Exactly one of
// the typed fields is populated, selected by Kind.
type Device struct {
	Kind     DeviceKind
	ID       uint64
	Usb      *UsbDevice
	Network  *NetworkDevice
	Command  *CommandDevice
	LocalDir *LocalDirDevice
}

// IsSrc reports whether this device may be used as a transfer source.
func (d *Device) IsSrc() bool {
	switch d.Kind {
	case DeviceUSB:
		return d.Usb.SrcAllowed
	case DeviceNetwork:
		return d.Network.SrcAllowed
	case DeviceLocalDir:
		return d.LocalDir.SrcAllowed
	case DeviceCommand:
		return false
	}
	return false
}

// IsDst reports whether this device may be used as a transfer destination.
func (d *Device) IsDst() bool {
	switch d.Kind {
	case DeviceUSB:
		return d.Usb.DstAllowed
	case DeviceNetwork:
		return d.Network.DstAllowed
	case DeviceCommand:
		return true
	case DeviceLocalDir:
		return d.LocalDir.DstAllowed
	}
	return false
}

// Title returns the discriminant's display title.
func (d *Device) Title() string {
	switch d.Kind {
	case DeviceUSB:
		return d.Usb.Manufacturer
	case DeviceNetwork:
		return d.Network.Title
	case DeviceCommand:
		return d.Command.Title
	case DeviceLocalDir:
		return d.LocalDir.Title
	}
	return ""
}

// ComputeID hashes the discriminant and stable fields with FNV-1a, populates
// d.ID, and returns it. Mirrors the Rust DefaultHasher-based device.id().
func (d *Device) ComputeID() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d", d.Kind)
	switch d.Kind {
	case DeviceUSB:
		fmt.Fprintf(h, "%d/%d/%04x/%04x/%s", d.Usb.Bus, d.Usb.Dev, d.Usb.VendorID, d.Usb.ProductID, d.Usb.Serial)
	case DeviceNetwork:
		fmt.Fprintf(h, "%s", d.Network.URL)
	case DeviceCommand:
		fmt.Fprintf(h, "%s%v", d.Command.Binary, d.Command.Args)
	case DeviceLocalDir:
		fmt.Fprintf(h, "%s", d.LocalDir.Path)
	}
	d.ID = h.Sum64()
	return d.ID
}

// Marshal encodes a Device to its wire form.
func (d *Device) Marshal() []byte {
	e := wire.NewEncoder()
	e.Uint64(1, d.ID)
	switch d.Kind {
	case DeviceUSB:
		e.Message(2, d.Usb.marshal())
	case DeviceNetwork:
		e.Message(3, d.Network.marshal())
	case DeviceCommand:
		e.Message(4, d.Command.marshal())
	case DeviceLocalDir:
		e.Message(5, d.LocalDir.marshal())
	}
	return e.Finish()
}

// UnmarshalDevice decodes a Device from its wire form.
func UnmarshalDevice(buf []byte) (*Device, error) {
	d := &Device{}
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			d.ID = f.Vint
		case 2:
			u, err := unmarshalUsbDevice(f.Bytes)
			if err != nil {
				return err
			}
			d.Kind, d.Usb = DeviceUSB, u
		case 3:
			n, err := unmarshalNetworkDevice(f.Bytes)
			if err != nil {
				return err
			}
			d.Kind, d.Network = DeviceNetwork, n
		case 4:
			c, err := unmarshalCommandDevice(f.Bytes)
			if err != nil {
				return err
			}
			d.Kind, d.Command = DeviceCommand, c
		case 5:
			l, err := unmarshalLocalDirDevice(f.Bytes)
			if err != nil {
				return err
			}
			d.Kind, d.LocalDir = DeviceLocalDir, l
		}
		return nil
	})
	return d, err
}

// Marshal encodes a standalone UsbDevice, for workers (usbdev) that report
// devices outside the full tagged-union Device envelope.
func (u *UsbDevice) Marshal() []byte { return u.marshal() }

// UnmarshalUsbDevice decodes a standalone UsbDevice.
func UnmarshalUsbDevice(buf []byte) (*UsbDevice, error) { return unmarshalUsbDevice(buf) }

func (u *UsbDevice) marshal() []byte {
	e := wire.NewEncoder()
	e.Uint64(1, uint64(u.Bus))
	e.Uint64(2, uint64(u.Dev))
	e.Uint64(3, uint64(u.VendorID))
	e.Uint64(4, uint64(u.ProductID))
	e.String(5, u.Manufacturer)
	e.String(6, u.Product)
	e.String(7, u.Serial)
	e.String(8, u.Description)
	e.Bool(9, u.SrcAllowed)
	e.Bool(10, u.DstAllowed)
	e.Uint64(11, u.Size)
	e.Uint64(12, uint64(u.BlockSize))
	return e.Finish()
}

func unmarshalUsbDevice(buf []byte) (*UsbDevice, error) {
	u := &UsbDevice{}
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			u.Bus = uint32(f.Vint)
		case 2:
			u.Dev = uint32(f.Vint)
		case 3:
			u.VendorID = uint32(f.Vint)
		case 4:
			u.ProductID = uint32(f.Vint)
		case 5:
			u.Manufacturer = string(f.Bytes)
		case 6:
			u.Product = string(f.Bytes)
		case 7:
			u.Serial = string(f.Bytes)
		case 8:
			u.Description = string(f.Bytes)
		case 9:
			u.SrcAllowed = f.Vint != 0
		case 10:
			u.DstAllowed = f.Vint != 0
		case 11:
			u.Size = f.Vint
		case 12:
			u.BlockSize = uint32(f.Vint)
		}
		return nil
	})
	return u, err
}

func (n *NetworkDevice) marshal() []byte {
	e := wire.NewEncoder()
	e.String(1, n.URL)
	e.String(2, n.AuthService)
	e.String(3, n.Title)
	e.String(4, n.Description)
	e.Bool(5, n.SrcAllowed)
	e.Bool(6, n.DstAllowed)
	return e.Finish()
}

func unmarshalNetworkDevice(buf []byte) (*NetworkDevice, error) {
	n := &NetworkDevice{}
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n.URL = string(f.Bytes)
		case 2:
			n.AuthService = string(f.Bytes)
		case 3:
			n.Title = string(f.Bytes)
		case 4:
			n.Description = string(f.Bytes)
		case 5:
			n.SrcAllowed = f.Vint != 0
		case 6:
			n.DstAllowed = f.Vint != 0
		}
		return nil
	})
	return n, err
}

func (c *CommandDevice) marshal() []byte {
	e := wire.NewEncoder()
	e.String(1, c.Binary)
	for _, a := range c.Args {
		e.String(2, a)
	}
	e.String(3, c.Title)
	e.String(4, c.Description)
	return e.Finish()
}

func unmarshalCommandDevice(buf []byte) (*CommandDevice, error) {
	c := &CommandDevice{}
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.Binary = string(f.Bytes)
		case 2:
			c.Args = append(c.Args, string(f.Bytes))
		case 3:
			c.Title = string(f.Bytes)
		case 4:
			c.Description = string(f.Bytes)
		}
		return nil
	})
	return c, err
}

func (l *LocalDirDevice) marshal() []byte {
	e := wire.NewEncoder()
	e.String(1, l.Path)
	e.String(2, l.Title)
	e.String(3, l.Description)
	e.Bool(4, l.SrcAllowed)
	e.Bool(5, l.DstAllowed)
	return e.Finish()
}

func unmarshalLocalDirDevice(buf []byte) (*LocalDirDevice, error) {
	l := &LocalDirDevice{}
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			l.Path = string(f.Bytes)
		case 2:
			l.Title = string(f.Bytes)
		case 3:
			l.Description = string(f.Bytes)
		case 4:
			l.SrcAllowed = f.Vint != 0
		case 5:
			l.DstAllowed = f.Vint != 0
		}
		return nil
	})
	return l, err
}
