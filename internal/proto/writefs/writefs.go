// Package writefs defines the request/response schema the files2fs
// worker speaks, grounded on usbsas-proto's writefs module and
// usbsas-files2fs/src/lib.rs's state machine (SetFsInfos/NewFile/
// WriteFile/EndFile/ImgDisk/Close/ForwardBitVec/Error/End).
package writefs

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqSetFsInfos RequestKind = iota + 1
	ReqNewFile
	ReqNewDir
	ReqWriteFile
	ReqEndFile
	ReqSetTimestamp
	ReqRemoveFile
	ReqImgDisk
	ReqBitVec
	ReqClose
	ReqEnd
)

// Request is the files2fs worker's request oneof.
type Request struct {
	Kind RequestKind

	// ReqSetFsInfos
	FsType      string // "fat", "exfat" or "ntfs"
	DevSize     uint64
	SectorSize  uint32
	SectorStart uint64

	// ReqNewFile / ReqNewDir / ReqSetTimestamp / ReqRemoveFile
	Path      string
	Timestamp int64

	// ReqWriteFile
	Offset uint64
	Data   []byte

	// ReqImgDisk: write data directly to the device image, bypassing the
	// mounted filesystem (used for raw "img" destination mode).
	ImgOffset uint64
	ImgData   []byte
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqSetFsInfos:
		m := wire.NewEncoder()
		m.String(1, r.FsType)
		m.Uint64(2, r.DevSize)
		m.Uint64(3, uint64(r.SectorSize))
		m.Uint64(4, r.SectorStart)
		e.Message(1, m.Finish())
	case ReqNewFile:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		m.Int64(2, r.Timestamp)
		e.Message(2, m.Finish())
	case ReqNewDir:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		m.Int64(2, r.Timestamp)
		e.Message(3, m.Finish())
	case ReqWriteFile:
		m := wire.NewEncoder()
		m.Uint64(1, r.Offset)
		m.Bytes(2, r.Data)
		e.Message(4, m.Finish())
	case ReqEndFile:
		e.Message(5, []byte{0})
	case ReqSetTimestamp:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		m.Int64(2, r.Timestamp)
		e.Message(6, m.Finish())
	case ReqRemoveFile:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		e.Message(7, m.Finish())
	case ReqImgDisk:
		m := wire.NewEncoder()
		m.Uint64(1, r.ImgOffset)
		m.Bytes(2, r.ImgData)
		e.Message(8, m.Finish())
	case ReqBitVec:
		e.Message(9, []byte{0})
	case ReqClose:
		e.Message(10, []byte{0})
	case ReqEnd:
		e.Message(11, []byte{0})
	}
	return e.Finish()
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqSetFsInfos
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.FsType = string(inner.Bytes)
				case 2:
					r.DevSize = inner.Vint
				case 3:
					r.SectorSize = uint32(inner.Vint)
				case 4:
					r.SectorStart = inner.Vint
				}
				return nil
			})
		case 2:
			r.Kind = ReqNewFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Path = string(inner.Bytes)
				case 2:
					r.Timestamp = int64(inner.Vint)
				}
				return nil
			})
		case 3:
			r.Kind = ReqNewDir
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Path = string(inner.Bytes)
				case 2:
					r.Timestamp = int64(inner.Vint)
				}
				return nil
			})
		case 4:
			r.Kind = ReqWriteFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Offset = inner.Vint
				case 2:
					r.Data = inner.Bytes
				}
				return nil
			})
		case 5:
			r.Kind = ReqEndFile
		case 6:
			r.Kind = ReqSetTimestamp
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Path = string(inner.Bytes)
				case 2:
					r.Timestamp = int64(inner.Vint)
				}
				return nil
			})
		case 7:
			r.Kind = ReqRemoveFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Path = string(inner.Bytes)
				}
				return nil
			})
		case 8:
			r.Kind = ReqImgDisk
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.ImgOffset = inner.Vint
				case 2:
					r.ImgData = inner.Bytes
				}
				return nil
			})
		case 9:
			r.Kind = ReqBitVec
		case 10:
			r.Kind = ReqClose
		case 11:
			r.Kind = ReqEnd
		}
		return nil
	})
	return r, err
}

// ResponseKind discriminates Response's oneof.
type ResponseKind int32

const (
	RespSetFsInfos ResponseKind = iota + 1
	RespNewFile
	RespNewDir
	RespWriteFile
	RespEndFile
	RespSetTimestamp
	RespRemoveFile
	RespImgDisk
	RespBitVec
	RespClose
	RespEnd
	RespError
	RespStatus
)

// Response is the files2fs worker's response oneof.
type Response struct {
	Kind ResponseKind

	// RespBitVec: one chunk (at most 10MiB) of the write bitmap per
	// response, the caller issuing ReqBitVec repeatedly until EndOfChunks.
	BitVecChunk []byte
	EndOfChunks bool
	NumSectors  uint64

	Error  common.ResponseError
	Status common.Status
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespSetFsInfos:
		e.Message(1, []byte{0})
	case RespNewFile:
		e.Message(2, []byte{0})
	case RespNewDir:
		e.Message(3, []byte{0})
	case RespWriteFile:
		e.Message(4, []byte{0})
	case RespEndFile:
		e.Message(5, []byte{0})
	case RespSetTimestamp:
		e.Message(6, []byte{0})
	case RespRemoveFile:
		e.Message(7, []byte{0})
	case RespImgDisk:
		e.Message(8, []byte{0})
	case RespBitVec:
		m := wire.NewEncoder()
		m.Bytes(1, r.BitVecChunk)
		m.Bool(2, r.EndOfChunks)
		m.Uint64(3, r.NumSectors)
		e.Message(9, m.Finish())
	case RespClose:
		e.Message(10, []byte{0})
	case RespEnd:
		e.Message(11, []byte{0})
	case RespError:
		e.Message(12, r.Error.Marshal())
	case RespStatus:
		e.Message(13, r.Status.Marshal())
	}
	return e.Finish()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespSetFsInfos
		case 2:
			r.Kind = RespNewFile
		case 3:
			r.Kind = RespNewDir
		case 4:
			r.Kind = RespWriteFile
		case 5:
			r.Kind = RespEndFile
		case 6:
			r.Kind = RespSetTimestamp
		case 7:
			r.Kind = RespRemoveFile
		case 8:
			r.Kind = RespImgDisk
		case 9:
			r.Kind = RespBitVec
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.BitVecChunk = inner.Bytes
				case 2:
					r.EndOfChunks = inner.Vint != 0
				case 3:
					r.NumSectors = inner.Vint
				}
				return nil
			})
		case 10:
			r.Kind = RespClose
		case 11:
			r.Kind = RespEnd
		case 12:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("writefs: response error: %w", err)
			}
			r.Error = e
		case 13:
			r.Kind = RespStatus
			s, err := common.UnmarshalStatus(f.Bytes)
			if err != nil {
				return fmt.Errorf("writefs: response status: %w", err)
			}
			r.Status = s
		}
		return nil
	})
	return r, err
}
