// Package uploader defines the request/response schema the uploader
// worker speaks, grounded on usbsas-proto's uploader module and
// usbsas-net/src/uploader.rs's protoresponse! invocation
// (Upload/UploadStatus/End/Error).
package uploader

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqUpload RequestKind = iota + 1
	ReqEnd
)

// Request is the uploader worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqUpload
	Id  string
	URL string
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqUpload:
		m := wire.NewEncoder()
		m.String(1, r.Id)
		m.String(2, r.URL)
		e.Message(1, m.Finish())
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
			r.Kind = ReqUpload
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Id = string(inner.Bytes)
				case 2:
					r.URL = string(inner.Bytes)
				}
				return nil
			})
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
	RespUpload ResponseKind = iota + 1
	RespUploadStatus
	RespEnd
	RespError
)

// Response is the uploader worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespUploadStatus
	CurrentSize uint64
	TotalSize   uint64

	Error common.ResponseError
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespUpload:
		e.Message(1, []byte{0})
	case RespUploadStatus:
		m := wire.NewEncoder()
		m.Uint64(1, r.CurrentSize)
		m.Uint64(2, r.TotalSize)
		e.Message(2, m.Finish())
	case RespEnd:
		e.Message(3, []byte{0})
	case RespError:
		e.Message(4, r.Error.Marshal())
	}
	return e.Finish()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespUpload
		case 2:
			r.Kind = RespUploadStatus
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.CurrentSize = inner.Vint
				case 2:
					r.TotalSize = inner.Vint
				}
				return nil
			})
		case 3:
			r.Kind = RespEnd
		case 4:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("uploader: response error: %w", err)
			}
			r.Error = e
		}
		return nil
	})
	return r, err
}
