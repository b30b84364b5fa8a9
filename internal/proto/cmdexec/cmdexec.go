// Package cmdexec defines the request/response schema the cmdexec worker
// speaks, grounded on usbsas-proto's cmdexec module and
// usbsas-cmdexec/src/lib.rs's protoresponse! invocation
// (Exec/PostCopyExec/End/Error).
package cmdexec

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqExec RequestKind = iota + 1
	ReqPostCopyExec
	ReqEnd
)

// Request is the cmdexec worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqPostCopyExec
	OutFileType common.OutFsType
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqExec:
		e.Message(1, []byte{0})
	case ReqPostCopyExec:
		m := wire.NewEncoder()
		m.Uint64(1, uint64(r.OutFileType))
		e.Message(2, m.Finish())
	case ReqEnd:
		e.Message(3, []byte{0})
	}
	return e.Finish()
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqExec
		case 2:
			r.Kind = ReqPostCopyExec
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.OutFileType = common.OutFsType(inner.Vint)
				}
				return nil
			})
		case 3:
			r.Kind = ReqEnd
		}
		return nil
	})
	return r, err
}

// ResponseKind discriminates Response's oneof.
type ResponseKind int32

const (
	RespExec ResponseKind = iota + 1
	RespPostCopyExec
	RespEnd
	RespError
)

// Response is the cmdexec worker's response oneof.
type Response struct {
	Kind  ResponseKind
	Error common.ResponseError
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespExec:
		e.Message(1, []byte{0})
	case RespPostCopyExec:
		e.Message(2, []byte{0})
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
			r.Kind = RespExec
		case 2:
			r.Kind = RespPostCopyExec
		case 3:
			r.Kind = RespEnd
		case 4:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("cmdexec: response error: %w", err)
			}
			r.Error = e
		}
		return nil
	})
	return r, err
}
