// Package writetar defines the request/response schema the files2tar
// worker speaks, grounded on usbsas-proto's writetar module and
// usbsas-files2tar/src/files2tar.rs's protoresponse! invocation
// (NewFile/WriteFile/EndFile/Close/Error/End).
package writetar

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqNewFile RequestKind = iota + 1
	ReqWriteFile
	ReqEndFile
	ReqClose
	ReqEnd
)

// Request is the files2tar worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqNewFile
	Path      string
	FType     common.FileType
	Size      uint64
	Timestamp int64

	// ReqWriteFile
	Data []byte

	// ReqClose — transfer metadata written to the archive's trailing
	// infos.json, mirroring RequestClose's fields in the original proto.
	Id           string
	VendorId     string
	ProductId    string
	Manufacturer string
	Serial       string
	Description  string
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqNewFile:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		m.Uint64(2, uint64(r.FType))
		m.Uint64(3, r.Size)
		m.Int64(4, r.Timestamp)
		e.Message(1, m.Finish())
	case ReqWriteFile:
		m := wire.NewEncoder()
		m.Bytes(1, r.Data)
		e.Message(2, m.Finish())
	case ReqEndFile:
		e.Message(3, []byte{0})
	case ReqClose:
		m := wire.NewEncoder()
		m.String(1, r.Id)
		m.String(2, r.VendorId)
		m.String(3, r.ProductId)
		m.String(4, r.Manufacturer)
		m.String(5, r.Serial)
		m.String(6, r.Description)
		e.Message(4, m.Finish())
	case ReqEnd:
		e.Message(5, []byte{0})
	}
	return e.Finish()
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqNewFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Path = string(inner.Bytes)
				case 2:
					r.FType = common.FileType(inner.Vint)
				case 3:
					r.Size = inner.Vint
				case 4:
					r.Timestamp = int64(inner.Vint)
				}
				return nil
			})
		case 2:
			r.Kind = ReqWriteFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Data = inner.Bytes
				}
				return nil
			})
		case 3:
			r.Kind = ReqEndFile
		case 4:
			r.Kind = ReqClose
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Id = string(inner.Bytes)
				case 2:
					r.VendorId = string(inner.Bytes)
				case 3:
					r.ProductId = string(inner.Bytes)
				case 4:
					r.Manufacturer = string(inner.Bytes)
				case 5:
					r.Serial = string(inner.Bytes)
				case 6:
					r.Description = string(inner.Bytes)
				}
				return nil
			})
		case 5:
			r.Kind = ReqEnd
		}
		return nil
	})
	return r, err
}

// ResponseKind discriminates Response's oneof.
type ResponseKind int32

const (
	RespNewFile ResponseKind = iota + 1
	RespWriteFile
	RespEndFile
	RespClose
	RespEnd
	RespError
	RespStatus
)

// Response is the files2tar worker's response oneof.
type Response struct {
	Kind   ResponseKind
	Error  common.ResponseError
	Status common.Status
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespNewFile:
		e.Message(1, []byte{0})
	case RespWriteFile:
		e.Message(2, []byte{0})
	case RespEndFile:
		e.Message(3, []byte{0})
	case RespClose:
		e.Message(4, []byte{0})
	case RespEnd:
		e.Message(5, []byte{0})
	case RespError:
		e.Message(6, r.Error.Marshal())
	case RespStatus:
		e.Message(7, r.Status.Marshal())
	}
	return e.Finish()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespNewFile
		case 2:
			r.Kind = RespWriteFile
		case 3:
			r.Kind = RespEndFile
		case 4:
			r.Kind = RespClose
		case 5:
			r.Kind = RespEnd
		case 6:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("writetar: response error: %w", err)
			}
			r.Error = e
		case 7:
			r.Kind = RespStatus
			s, err := common.UnmarshalStatus(f.Bytes)
			if err != nil {
				return fmt.Errorf("writetar: response status: %w", err)
			}
			r.Status = s
		}
		return nil
	})
	return r, err
}
