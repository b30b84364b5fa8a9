// Package analyzer defines the request/response schema the analyzer
// worker speaks, grounded on usbsas-proto's analyzer module and
// usbsas-net/src/analyzer.rs's protoresponse! invocation
// (Analyze/UploadStatus/End/Error).
package analyzer

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqAnalyze RequestKind = iota + 1
	ReqEnd
)

// Request is the analyzer worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqAnalyze
	Id string
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqAnalyze:
		m := wire.NewEncoder()
		m.String(1, r.Id)
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
			r.Kind = ReqAnalyze
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Id = string(inner.Bytes)
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
	RespAnalyze ResponseKind = iota + 1
	RespUploadStatus
	RespEnd
	RespError
)

// Response is the analyzer worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespAnalyze — clean/dirty file paths, relative to the transfer's
	// data root, matching ResponseAnalyze{clean, dirty}.
	Clean []string
	Dirty []string

	// RespUploadStatus
	CurrentSize uint64
	TotalSize   uint64

	Error common.ResponseError
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespAnalyze:
		m := wire.NewEncoder()
		for _, c := range r.Clean {
			m.String(1, c)
		}
		for _, d := range r.Dirty {
			m.String(2, d)
		}
		e.Message(1, m.Finish())
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
			r.Kind = RespAnalyze
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Clean = append(r.Clean, string(inner.Bytes))
				case 2:
					r.Dirty = append(r.Dirty, string(inner.Bytes))
				}
				return nil
			})
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
				return fmt.Errorf("analyzer: response error: %w", err)
			}
			r.Error = e
		}
		return nil
	})
	return r, err
}
