// Package fs2dev defines the request/response schema the fs2dev worker
// speaks, grounded on usbsas-proto's fs2dev module and
// usbsas-fs2dev/src/lib.rs's state machine (DevSize/LoadBitVec/
// StartCopy/Wipe/End).
package fs2dev

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqDevSize RequestKind = iota + 1
	ReqLoadBitVec
	ReqStartCopy
	ReqWipe
	ReqEnd
)

// Request is the fs2dev worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqLoadBitVec
	Chunk []byte
	Last  bool
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqDevSize:
		e.Message(1, []byte{0})
	case ReqLoadBitVec:
		m := wire.NewEncoder()
		m.Bytes(1, r.Chunk)
		m.Bool(2, r.Last)
		e.Message(2, m.Finish())
	case ReqStartCopy:
		e.Message(3, []byte{0})
	case ReqWipe:
		e.Message(4, []byte{0})
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
			r.Kind = ReqDevSize
		case 2:
			r.Kind = ReqLoadBitVec
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Chunk = inner.Bytes
				case 2:
					r.Last = inner.Vint != 0
				}
				return nil
			})
		case 3:
			r.Kind = ReqStartCopy
		case 4:
			r.Kind = ReqWipe
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
	RespDevSize ResponseKind = iota + 1
	RespLoadBitVec
	RespStartCopy
	RespWipe
	RespEnd
	RespError
	RespStatus
)

// Response is the fs2dev worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespDevSize
	Size uint64

	Error  common.ResponseError
	Status common.Status
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespDevSize:
		m := wire.NewEncoder()
		m.Uint64(1, r.Size)
		e.Message(1, m.Finish())
	case RespLoadBitVec:
		e.Message(2, []byte{0})
	case RespStartCopy:
		e.Message(3, []byte{0})
	case RespWipe:
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
			r.Kind = RespDevSize
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Size = inner.Vint
				}
				return nil
			})
		case 2:
			r.Kind = RespLoadBitVec
		case 3:
			r.Kind = RespStartCopy
		case 4:
			r.Kind = RespWipe
		case 5:
			r.Kind = RespEnd
		case 6:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("fs2dev: response error: %w", err)
			}
			r.Error = e
		case 7:
			r.Kind = RespStatus
			s, err := common.UnmarshalStatus(f.Bytes)
			if err != nil {
				return fmt.Errorf("fs2dev: response status: %w", err)
			}
			r.Status = s
		}
		return nil
	})
	return r, err
}
