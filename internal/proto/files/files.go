// Package files is the wire schema the scsi2files worker speaks with its
// parent: open the device it manages through dev2scsi, list partitions,
// open one, and walk its filesystem (getattr/readdir/readfile), grounded
// on usbsas-proto's files.proto and the protorequest!/protoresponse!
// macro invocations in usbsas-scsi2files/src/lib.rs.
package files

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

type RequestKind int32

const (
	ReqOpenDevice RequestKind = iota + 1
	ReqPartitions
	ReqReadSectors
	ReqOpenPartition
	ReqGetAttr
	ReqReadDir
	ReqReadFile
	ReqEnd
)

type Request struct {
	Kind   RequestKind
	Busnum uint32 // ReqOpenDevice
	Devnum uint32 // ReqOpenDevice
	Offset uint64 // ReqReadSectors, ReqReadFile
	Count  uint32 // ReqReadSectors
	Index  uint32 // ReqOpenPartition
	Path   string // ReqGetAttr, ReqReadDir, ReqReadFile
	Size   uint64 // ReqReadFile
}

func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqOpenDevice:
		m := wire.NewEncoder()
		m.Uint64(1, uint64(r.Busnum))
		m.Uint64(2, uint64(r.Devnum))
		e.Message(1, m.Finish())
	case ReqPartitions:
		e.Message(2, []byte{0})
	case ReqReadSectors:
		m := wire.NewEncoder()
		m.Uint64(1, r.Offset)
		m.Uint64(2, uint64(r.Count))
		e.Message(3, m.Finish())
	case ReqOpenPartition:
		m := wire.NewEncoder()
		m.Uint64(1, uint64(r.Index))
		e.Message(4, m.Finish())
	case ReqGetAttr:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		e.Message(5, m.Finish())
	case ReqReadDir:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		e.Message(6, m.Finish())
	case ReqReadFile:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		m.Uint64(2, r.Offset)
		m.Uint64(3, r.Size)
		e.Message(7, m.Finish())
	case ReqEnd:
		e.Message(8, []byte{0})
	}
	return e.Finish()
}

func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqOpenDevice
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Busnum = uint32(inner.Vint)
				case 2:
					r.Devnum = uint32(inner.Vint)
				}
				return nil
			})
		case 2:
			r.Kind = ReqPartitions
		case 3:
			r.Kind = ReqReadSectors
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Offset = inner.Vint
				case 2:
					r.Count = uint32(inner.Vint)
				}
				return nil
			})
		case 4:
			r.Kind = ReqOpenPartition
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Index = uint32(inner.Vint)
				}
				return nil
			})
		case 5:
			r.Kind = ReqGetAttr
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Path = string(inner.Bytes)
				}
				return nil
			})
		case 6:
			r.Kind = ReqReadDir
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Path = string(inner.Bytes)
				}
				return nil
			})
		case 7:
			r.Kind = ReqReadFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Path = string(inner.Bytes)
				case 2:
					r.Offset = inner.Vint
				case 3:
					r.Size = inner.Vint
				}
				return nil
			})
		case 8:
			r.Kind = ReqEnd
		}
		return nil
	})
	return r, err
}

type ResponseKind int32

const (
	RespOpenDevice ResponseKind = iota + 1
	RespPartitions
	RespReadSectors
	RespOpenPartition
	RespGetAttr
	RespReadDir
	RespReadFile
	RespEnd
	RespError
	RespStatus
)

type Response struct {
	Kind       ResponseKind
	BlockSize  uint64 // RespOpenDevice
	DevSize    uint64 // RespOpenDevice
	Partitions []common.Partition
	Data       []byte          // RespReadSectors, RespReadFile
	FType      common.FileType // RespGetAttr
	Size       uint64          // RespGetAttr
	Timestamp  int64           // RespGetAttr
	Files      []common.FileInfo
	Error      common.ResponseError
	Status     common.Status
}

func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespOpenDevice:
		m := wire.NewEncoder()
		m.Uint64(1, r.BlockSize)
		m.Uint64(2, r.DevSize)
		e.Message(1, m.Finish())
	case RespPartitions:
		m := wire.NewEncoder()
		for _, p := range r.Partitions {
			m.Message(1, p.Marshal())
		}
		e.Message(2, m.Finish())
	case RespReadSectors:
		m := wire.NewEncoder()
		m.Bytes(1, r.Data)
		e.Message(3, m.Finish())
	case RespOpenPartition:
		e.Message(4, []byte{0})
	case RespGetAttr:
		m := wire.NewEncoder()
		m.Uint64(1, uint64(r.FType))
		m.Uint64(2, r.Size)
		m.Int64(3, r.Timestamp)
		e.Message(5, m.Finish())
	case RespReadDir:
		m := wire.NewEncoder()
		for _, fi := range r.Files {
			m.Message(1, fi.Marshal())
		}
		e.Message(6, m.Finish())
	case RespReadFile:
		m := wire.NewEncoder()
		m.Bytes(1, r.Data)
		e.Message(7, m.Finish())
	case RespEnd:
		e.Message(8, []byte{0})
	case RespError:
		e.Message(9, r.Error.Marshal())
	case RespStatus:
		e.Message(10, r.Status.Marshal())
	}
	return e.Finish()
}

func UnmarshalResponse(buf []byte) (Response, error) {
	var r Response
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = RespOpenDevice
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.BlockSize = inner.Vint
				case 2:
					r.DevSize = inner.Vint
				}
				return nil
			})
		case 2:
			r.Kind = RespPartitions
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num != 1 {
					return nil
				}
				p, err := common.UnmarshalPartition(inner.Bytes)
				if err != nil {
					return err
				}
				r.Partitions = append(r.Partitions, p)
				return nil
			})
		case 3:
			r.Kind = RespReadSectors
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Data = inner.Bytes
				}
				return nil
			})
		case 4:
			r.Kind = RespOpenPartition
		case 5:
			r.Kind = RespGetAttr
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.FType = common.FileType(inner.Vint)
				case 2:
					r.Size = inner.Vint
				case 3:
					r.Timestamp = int64(inner.Vint)
				}
				return nil
			})
		case 6:
			r.Kind = RespReadDir
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num != 1 {
					return nil
				}
				fi, err := common.UnmarshalFileInfo(inner.Bytes)
				if err != nil {
					return err
				}
				r.Files = append(r.Files, fi)
				return nil
			})
		case 7:
			r.Kind = RespReadFile
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Data = inner.Bytes
				}
				return nil
			})
		case 8:
			r.Kind = RespEnd
		case 9:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("files: response error: %w", err)
			}
			r.Error = e
		case 10:
			r.Kind = RespStatus
			s, err := common.UnmarshalStatus(f.Bytes)
			if err != nil {
				return fmt.Errorf("files: response status: %w", err)
			}
			r.Status = s
		}
		return nil
	})
	return r, err
}
