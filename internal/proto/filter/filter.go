// Package filter defines the request/response schema the filter worker
// speaks, grounded on usbsas-proto's filter module and usbsas-filter's
// protorequest! invocations (FilterPaths, End).
package filter

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqFilterPaths RequestKind = iota + 1
	ReqEnd
)

// Request is the filter worker's request oneof.
type Request struct {
	Kind  RequestKind
	Paths []string // ReqFilterPaths
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqFilterPaths:
		m := wire.NewEncoder()
		for _, p := range r.Paths {
			m.String(1, p)
		}
		e.Message(1, m.Finish())
	case ReqEnd:
		e.Message(2, []byte{0}) // non-empty so the empty submessage still encodes a tag
	}
	return e.Finish()
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqFilterPaths
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Paths = append(r.Paths, string(inner.Bytes))
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

// ResultKind mirrors internal/filter.Result on the wire, kept separate so
// proto schemas don't import worker packages.
type ResultKind int32

const (
	ResultOk ResultKind = iota
	ResultFiltered
)

// ResponseKind discriminates Response's oneof.
type ResponseKind int32

const (
	RespFilterPaths ResponseKind = iota + 1
	RespEnd
	RespError
	RespStatus
)

// Response is the filter worker's response oneof.
type Response struct {
	Kind    ResponseKind
	Results []struct {
		Path   string
		Result ResultKind
	}
	Error  common.ResponseError
	Status common.Status
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespFilterPaths:
		m := wire.NewEncoder()
		for _, res := range r.Results {
			rm := wire.NewEncoder()
			rm.String(1, res.Path)
			rm.Uint64(2, uint64(res.Result))
			m.Message(1, rm.Finish())
		}
		e.Message(1, m.Finish())
	case RespEnd:
		e.Message(2, []byte{0})
	case RespError:
		e.Message(3, r.Error.Marshal())
	case RespStatus:
		e.Message(4, r.Status.Marshal())
	}
	return e.Finish()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespFilterPaths
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num != 1 {
					return nil
				}
				var path string
				var res ResultKind
				if err := wire.Scan(inner.Bytes, func(rf wire.Field) error {
					switch rf.Num {
					case 1:
						path = string(rf.Bytes)
					case 2:
						res = ResultKind(rf.Vint)
					}
					return nil
				}); err != nil {
					return err
				}
				r.Results = append(r.Results, struct {
					Path   string
					Result ResultKind
				}{path, res})
				return nil
			})
		case 2:
			r.Kind = RespEnd
		case 3:
			r.Kind = RespError
			errv, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("filter: response error: %w", err)
			}
			r.Error = errv
		case 4:
			r.Kind = RespStatus
			st, err := common.UnmarshalStatus(f.Bytes)
			if err != nil {
				return fmt.Errorf("filter: response status: %w", err)
			}
			r.Status = st
		}
		return nil
	})
	return r, err
}
