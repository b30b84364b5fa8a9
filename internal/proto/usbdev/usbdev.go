// Package usbdev defines the request/response schema the usbdev worker
// speaks, grounded on usbsas-proto's usbdev module and
// usbsas-usbdev/src/lib.rs's protoresponse! invocation
// (Devices/End/Error).
package usbdev

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqDevices RequestKind = iota + 1
	ReqEnd
)

// Request is the usbdev worker's request oneof.
type Request struct {
	Kind RequestKind
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqDevices:
		e.Message(1, []byte{0})
	case ReqEnd:
		e.Message(2, []byte{0})
	}
	return e.Finish()
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqDevices
		case 2:
			r.Kind = ReqEnd
		}
		return nil
	})
	return r, err
}

// ResponseKind discriminates Response's oneof.
type ResponseKind int32

const (
	RespDevices ResponseKind = iota + 1
	RespEnd
	RespError
)

// Response is the usbdev worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespDevices
	Devices []*common.UsbDevice

	Error common.ResponseError
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespDevices:
		m := wire.NewEncoder()
		for _, d := range r.Devices {
			m.Message(1, d.Marshal())
		}
		e.Message(1, m.Finish())
	case RespEnd:
		e.Message(2, []byte{0})
	case RespError:
		e.Message(3, r.Error.Marshal())
	}
	return e.Finish()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespDevices
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				d, err := common.UnmarshalUsbDevice(inner.Bytes)
				if err != nil {
					return fmt.Errorf("usbdev: device: %w", err)
				}
				r.Devices = append(r.Devices, d)
				return nil
			})
		case 2:
			r.Kind = RespEnd
		case 3:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("usbdev: response error: %w", err)
			}
			r.Error = e
		}
		return nil
	})
	return r, err
}
