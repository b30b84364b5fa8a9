// Package identifier defines the request/response schema the identificator
// worker speaks: a single "who is the operator" question answered once per
// session, grounded on usbsas-proto's identificator module and the
// orchestrator's InitState::userid call in usbsas-usbsas/src/states.rs.
package identifier

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqUserId RequestKind = iota + 1
	ReqEnd
)

// Request is the identificator worker's request oneof.
type Request struct {
	Kind RequestKind
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqUserId:
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
			r.Kind = ReqUserId
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
	RespUserId ResponseKind = iota + 1
	RespEnd
	RespError
)

// Response is the identificator worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespUserId
	UserId string

	Error common.ResponseError
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespUserId:
		m := wire.NewEncoder()
		m.String(1, r.UserId)
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
			r.Kind = RespUserId
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.UserId = string(inner.Bytes)
				}
				return nil
			})
		case 2:
			r.Kind = RespEnd
		case 3:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("identifier: response error: %w", err)
			}
			r.Error = e
		}
		return nil
	})
	return r, err
}
