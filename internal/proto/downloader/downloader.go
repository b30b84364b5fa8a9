// Package downloader defines the request/response schema the downloader
// worker speaks, grounded on usbsas-proto's downloader module and
// usbsas-net/src/downloader.rs's protoresponse! invocation
// (ArchiveInfos/Download/DownloadStatus/End/Error).
package downloader

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqArchiveInfos RequestKind = iota + 1
	ReqDownload
	ReqEnd
)

// Request is the downloader worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqArchiveInfos
	Id string
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqArchiveInfos:
		m := wire.NewEncoder()
		m.String(1, r.Id)
		e.Message(1, m.Finish())
	case ReqDownload:
		e.Message(2, []byte{0})
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
			r.Kind = ReqArchiveInfos
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Id = string(inner.Bytes)
				}
				return nil
			})
		case 2:
			r.Kind = ReqDownload
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
	RespArchiveInfos ResponseKind = iota + 1
	RespDownload
	RespDownloadStatus
	RespEnd
	RespError
)

// Response is the downloader worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespArchiveInfos
	Size uint64

	// RespDownloadStatus
	CurrentSize uint64
	TotalSize   uint64

	Error common.ResponseError
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespArchiveInfos:
		m := wire.NewEncoder()
		m.Uint64(1, r.Size)
		e.Message(1, m.Finish())
	case RespDownload:
		e.Message(2, []byte{0})
	case RespDownloadStatus:
		m := wire.NewEncoder()
		m.Uint64(1, r.CurrentSize)
		m.Uint64(2, r.TotalSize)
		e.Message(3, m.Finish())
	case RespEnd:
		e.Message(4, []byte{0})
	case RespError:
		e.Message(5, r.Error.Marshal())
	}
	return e.Finish()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespArchiveInfos
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Size = inner.Vint
				}
				return nil
			})
		case 2:
			r.Kind = RespDownload
		case 3:
			r.Kind = RespDownloadStatus
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.CurrentSize = inner.Vint
				case 2:
					r.TotalSize = inner.Vint
				}
				return nil
			})
		case 4:
			r.Kind = RespEnd
		case 5:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("downloader: response error: %w", err)
			}
			r.Error = e
		}
		return nil
	})
	return r, err
}
