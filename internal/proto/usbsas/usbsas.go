// Package usbsas defines the orchestrator's own client-facing wire
// schema: the request/response oneof a GUI or other front-end speaks over
// a pipe pair or a Unix domain socket, grounded on usbsas-proto's usbsas
// module and the Msg enum matched throughout usbsas-usbsas/src/states.rs.
package usbsas

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

// RequestKind discriminates Request's oneof.
type RequestKind int32

const (
	ReqUserId RequestKind = iota + 1
	ReqDevices
	ReqInitTransfer
	ReqPartitions
	ReqOpenPartition
	ReqReadDir
	ReqGetAttr
	ReqSelectFiles
	ReqImgDisk
	ReqWipe
	ReqReport
	ReqEnd
)

// Request is the client protocol's request oneof.
type Request struct {
	Kind RequestKind

	// ReqDevices
	IncludeAlt bool

	// ReqInitTransfer
	Source      uint64
	Destination uint64
	FsType      *common.FsType
	Pin         *string

	// ReqOpenPartition
	Index uint32

	// ReqReadDir / ReqGetAttr
	Path string

	// ReqSelectFiles
	Selected []string

	// ReqImgDisk / ReqWipe
	Id uint64

	// ReqWipe
	WipeFsType common.FsType
	Quick      bool
}

// Marshal encodes a Request.
func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqUserId:
		e.Message(1, []byte{0})
	case ReqDevices:
		m := wire.NewEncoder()
		m.Bool(1, r.IncludeAlt)
		e.Message(2, m.Finish())
	case ReqInitTransfer:
		m := wire.NewEncoder()
		m.Uint64(1, r.Source)
		m.Uint64(2, r.Destination)
		if r.FsType != nil {
			m.Uint64(3, uint64(*r.FsType))
		}
		if r.Pin != nil {
			m.String(4, *r.Pin)
		}
		e.Message(3, m.Finish())
	case ReqPartitions:
		e.Message(4, []byte{0})
	case ReqOpenPartition:
		m := wire.NewEncoder()
		m.Uint64(1, uint64(r.Index))
		e.Message(5, m.Finish())
	case ReqReadDir:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		e.Message(6, m.Finish())
	case ReqGetAttr:
		m := wire.NewEncoder()
		m.String(1, r.Path)
		e.Message(7, m.Finish())
	case ReqSelectFiles:
		m := wire.NewEncoder()
		for _, p := range r.Selected {
			m.String(1, p)
		}
		e.Message(8, m.Finish())
	case ReqImgDisk:
		m := wire.NewEncoder()
		m.Uint64(1, r.Id)
		e.Message(9, m.Finish())
	case ReqWipe:
		m := wire.NewEncoder()
		m.Uint64(1, r.Id)
		m.Uint64(2, uint64(r.WipeFsType))
		m.Bool(3, r.Quick)
		e.Message(10, m.Finish())
	case ReqReport:
		e.Message(11, []byte{0})
	case ReqEnd:
		e.Message(12, []byte{0})
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
			r.Kind = ReqDevices
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.IncludeAlt = inner.Vint != 0
				}
				return nil
			})
		case 3:
			r.Kind = ReqInitTransfer
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Source = inner.Vint
				case 2:
					r.Destination = inner.Vint
				case 3:
					fst := common.FsType(inner.Vint)
					r.FsType = &fst
				case 4:
					pin := string(inner.Bytes)
					r.Pin = &pin
				}
				return nil
			})
		case 4:
			r.Kind = ReqPartitions
		case 5:
			r.Kind = ReqOpenPartition
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Index = uint32(inner.Vint)
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
			r.Kind = ReqGetAttr
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Path = string(inner.Bytes)
				}
				return nil
			})
		case 8:
			r.Kind = ReqSelectFiles
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Selected = append(r.Selected, string(inner.Bytes))
				}
				return nil
			})
		case 9:
			r.Kind = ReqImgDisk
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Id = inner.Vint
				}
				return nil
			})
		case 10:
			r.Kind = ReqWipe
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Id = inner.Vint
				case 2:
					r.WipeFsType = common.FsType(inner.Vint)
				case 3:
					r.Quick = inner.Vint != 0
				}
				return nil
			})
		case 11:
			r.Kind = ReqReport
		case 12:
			r.Kind = ReqEnd
		}
		return nil
	})
	return r, err
}

// StatusTag names which long-running operation an unsolicited Status
// frame belongs to, matching spec.md §6's enumeration.
type StatusTag int32

const (
	StatusReadSrc StatusTag = iota + 1
	StatusAnalyze
	StatusMkArchive
	StatusMkFs
	StatusWriteDst
	StatusDiskImg
	StatusExecCmd
	StatusAllDone
)

// ResponseKind discriminates Response's oneof.
type ResponseKind int32

const (
	RespUserId ResponseKind = iota + 1
	RespDevices
	RespInitTransfer
	RespPartitions
	RespOpenPartition
	RespReadDir
	RespGetAttr
	RespSelectFiles
	RespImgDisk
	RespWipe
	RespReport
	RespEnd
	RespError
	RespStatus
)

// Response is the client protocol's response oneof, including the
// unsolicited Status push (spec.md §6).
type Response struct {
	Kind ResponseKind

	// RespUserId
	UserId string

	// RespDevices
	Devices []*common.Device

	// RespPartitions
	Partitions []common.Partition

	// RespReadDir
	Files []common.FileInfo

	// RespGetAttr
	FType     common.FileType
	Size      uint64
	Timestamp int64

	// RespSelectFiles
	SelectedSize uint64

	// RespReport — nil when no report is available yet.
	Report []byte

	Error common.ResponseError

	// RespStatus
	Current uint64
	Total   uint64
	Done    bool
	Tag     StatusTag
}

// Marshal encodes a Response.
func (r Response) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case RespUserId:
		m := wire.NewEncoder()
		m.String(1, r.UserId)
		e.Message(1, m.Finish())
	case RespDevices:
		m := wire.NewEncoder()
		for _, d := range r.Devices {
			m.Message(1, d.Marshal())
		}
		e.Message(2, m.Finish())
	case RespInitTransfer:
		e.Message(3, []byte{0})
	case RespPartitions:
		m := wire.NewEncoder()
		for _, p := range r.Partitions {
			m.Message(1, p.Marshal())
		}
		e.Message(4, m.Finish())
	case RespOpenPartition:
		e.Message(5, []byte{0})
	case RespReadDir:
		m := wire.NewEncoder()
		for _, fi := range r.Files {
			m.Message(1, fi.Marshal())
		}
		e.Message(6, m.Finish())
	case RespGetAttr:
		m := wire.NewEncoder()
		m.Uint64(1, uint64(r.FType))
		m.Uint64(2, r.Size)
		m.Int64(3, r.Timestamp)
		e.Message(7, m.Finish())
	case RespSelectFiles:
		m := wire.NewEncoder()
		m.Uint64(1, r.SelectedSize)
		e.Message(8, m.Finish())
	case RespImgDisk:
		e.Message(9, []byte{0})
	case RespWipe:
		e.Message(10, []byte{0})
	case RespReport:
		m := wire.NewEncoder()
		m.Bytes(1, r.Report)
		e.Message(11, m.Finish())
	case RespEnd:
		e.Message(12, []byte{0})
	case RespError:
		e.Message(13, r.Error.Marshal())
	case RespStatus:
		m := wire.NewEncoder()
		m.Uint64(1, r.Current)
		m.Uint64(2, r.Total)
		m.Bool(3, r.Done)
		m.Uint64(4, uint64(r.Tag))
		e.Message(14, m.Finish())
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
			r.Kind = RespDevices
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num != 1 {
					return nil
				}
				d, err := common.UnmarshalDevice(inner.Bytes)
				if err != nil {
					return err
				}
				r.Devices = append(r.Devices, d)
				return nil
			})
		case 3:
			r.Kind = RespInitTransfer
		case 4:
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
		case 5:
			r.Kind = RespOpenPartition
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
		case 8:
			r.Kind = RespSelectFiles
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.SelectedSize = inner.Vint
				}
				return nil
			})
		case 9:
			r.Kind = RespImgDisk
		case 10:
			r.Kind = RespWipe
		case 11:
			r.Kind = RespReport
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				if inner.Num == 1 {
					r.Report = inner.Bytes
				}
				return nil
			})
		case 12:
			r.Kind = RespEnd
		case 13:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("usbsas: response error: %w", err)
			}
			r.Error = e
		case 14:
			r.Kind = RespStatus
			return wire.Scan(f.Bytes, func(inner wire.Field) error {
				switch inner.Num {
				case 1:
					r.Current = inner.Vint
				case 2:
					r.Total = inner.Vint
				case 3:
					r.Done = inner.Vint != 0
				case 4:
					r.Tag = StatusTag(inner.Vint)
				}
				return nil
			})
		}
		return nil
	})
	return r, err
}
