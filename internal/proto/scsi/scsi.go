// Package scsi defines the dev2scsi worker's request/response schema,
// grounded on usbsas-proto's scsi module and the protoresponse!(CommScsi,
// ...) invocation in usbsas-dev2scsi/src/lib.rs.
package scsi

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/wire"
)

type RequestKind int32

const (
	ReqPartitions RequestKind = iota + 1
	ReqReadSectors
	ReqEnd
)

type Request struct {
	Kind   RequestKind
	Offset uint64 // ReqReadSectors
	Count  uint32 // ReqReadSectors
}

func (r Request) Marshal() []byte {
	e := wire.NewEncoder()
	switch r.Kind {
	case ReqPartitions:
		e.Message(1, []byte{0})
	case ReqReadSectors:
		m := wire.NewEncoder()
		m.Uint64(1, r.Offset)
		m.Uint64(2, uint64(r.Count))
		e.Message(2, m.Finish())
	case ReqEnd:
		e.Message(3, []byte{0})
	}
	return e.Finish()
}

func UnmarshalRequest(buf []byte) (Request, error) {
	var r Request
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Kind = ReqPartitions
		case 2:
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
		case 3:
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
	RespEnd
	RespError
	RespStatus
)

type Response struct {
	Kind        ResponseKind
	BlockSize   uint64 // RespOpenDevice
	DevSize     uint64 // RespOpenDevice
	Partitions  []common.Partition
	PartitionNames []string // parallel to Partitions, NTFS/FAT volume labels
	Data        []byte // RespReadSectors
	Error       common.ResponseError
	Status      common.Status
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
		for i, p := range r.Partitions {
			pm := wire.NewEncoder()
			pm.Message(1, p.Marshal())
			name := ""
			if i < len(r.PartitionNames) {
				name = r.PartitionNames[i]
			}
			pm.String(2, name)
			m.Message(1, pm.Finish())
		}
		e.Message(2, m.Finish())
	case RespReadSectors:
		m := wire.NewEncoder()
		m.Bytes(1, r.Data)
		e.Message(3, m.Finish())
	case RespEnd:
		e.Message(4, []byte{0})
	case RespError:
		e.Message(5, r.Error.Marshal())
	case RespStatus:
		e.Message(6, r.Status.Marshal())
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
				var part common.Partition
				var name string
				if err := wire.Scan(inner.Bytes, func(pf wire.Field) error {
					switch pf.Num {
					case 1:
						p, err := common.UnmarshalPartition(pf.Bytes)
						if err != nil {
							return err
						}
						part = p
					case 2:
						name = string(pf.Bytes)
					}
					return nil
				}); err != nil {
					return err
				}
				r.Partitions = append(r.Partitions, part)
				r.PartitionNames = append(r.PartitionNames, name)
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
			r.Kind = RespEnd
		case 5:
			r.Kind = RespError
			e, err := common.UnmarshalResponseError(f.Bytes)
			if err != nil {
				return fmt.Errorf("scsi: response error: %w", err)
			}
			r.Error = e
		case 6:
			r.Kind = RespStatus
			s, err := common.UnmarshalStatus(f.Bytes)
			if err != nil {
				return fmt.Errorf("scsi: response status: %w", err)
			}
			r.Status = s
		}
		return nil
	})
	return r, err
}
