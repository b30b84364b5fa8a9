package common

import "github.com/usbsas/usbsas/internal/proto/wire"

// FsType identifies a recognized partition/filesystem kind.
type FsType int32

const (
	FsUnknown FsType = iota
	FsFAT
	FsExFAT
	FsNTFS
	FsExt4
	FsISO9660
)

// OutFsType identifies which destination kind a WriteDstFile/TransferDst
// pass is targeting.
type OutFsType int32

const (
	OutFsDisk OutFsType = iota
	OutFsTar
)

// Partition is one entry of a PartitionsListed response.
type Partition struct {
	Type      uint8
	TypeStr   string
	Start     uint64 // LBA
	Size      uint64 // sectors
	Bootable  bool
	FsType    FsType
}

// Marshal encodes a Partition.
func (p Partition) Marshal() []byte {
	e := wire.NewEncoder()
	e.Uint64(1, uint64(p.Type))
	e.String(2, p.TypeStr)
	e.Uint64(3, p.Start)
	e.Uint64(4, p.Size)
	e.Bool(5, p.Bootable)
	e.Uint64(6, uint64(p.FsType))
	return e.Finish()
}

// UnmarshalPartition decodes a Partition.
func UnmarshalPartition(buf []byte) (Partition, error) {
	var p Partition
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.Type = uint8(f.Vint)
		case 2:
			p.TypeStr = string(f.Bytes)
		case 3:
			p.Start = f.Vint
		case 4:
			p.Size = f.Vint
		case 5:
			p.Bootable = f.Vint != 0
		case 6:
			p.FsType = FsType(f.Vint)
		}
		return nil
	})
	return p, err
}

// FileType distinguishes regular files from directories in a file listing,
// mirroring Rust's FileType::from(std::fs::FileType).
type FileType int32

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
)

// FileInfo is one entry produced while browsing or staging a source.
type FileInfo struct {
	Path  string
	Size  uint64
	Type  FileType
}

// Marshal encodes a FileInfo.
func (f FileInfo) Marshal() []byte {
	e := wire.NewEncoder()
	e.String(1, f.Path)
	e.Uint64(2, f.Size)
	e.Uint64(3, uint64(f.Type))
	return e.Finish()
}

// UnmarshalFileInfo decodes a FileInfo.
func UnmarshalFileInfo(buf []byte) (FileInfo, error) {
	var fi FileInfo
	err := wire.Scan(buf, func(fld wire.Field) error {
		switch fld.Num {
		case 1:
			fi.Path = string(fld.Bytes)
		case 2:
			fi.Size = fld.Vint
		case 3:
			fi.Type = FileType(fld.Vint)
		}
		return nil
	})
	return fi, err
}

// Status is an unsolicited progress frame a worker may interleave with its
// ordinary replies mid-operation (spec.md §4.1's draining requirement).
type Status struct {
	Done    uint64
	Total   uint64
	Message string
}

// Marshal encodes a Status.
func (s Status) Marshal() []byte {
	e := wire.NewEncoder()
	e.Uint64(1, s.Done)
	e.Uint64(2, s.Total)
	e.String(3, s.Message)
	return e.Finish()
}

// UnmarshalStatus decodes a Status.
func UnmarshalStatus(buf []byte) (Status, error) {
	var s Status
	err := wire.Scan(buf, func(f wire.Field) error {
		switch f.Num {
		case 1:
			s.Done = f.Vint
		case 2:
			s.Total = f.Vint
		case 3:
			s.Message = string(f.Bytes)
		}
		return nil
	})
	return s, err
}

// ResponseError is the universal error reply every worker schema embeds,
// matching "Response::Error { message }" in the original proto.
type ResponseError struct {
	Message string
}

// Marshal encodes a ResponseError.
func (r ResponseError) Marshal() []byte {
	e := wire.NewEncoder()
	e.String(1, r.Message)
	return e.Finish()
}

// UnmarshalResponseError decodes a ResponseError.
func UnmarshalResponseError(buf []byte) (ResponseError, error) {
	var r ResponseError
	err := wire.Scan(buf, func(f wire.Field) error {
		if f.Num == 1 {
			r.Message = string(f.Bytes)
		}
		return nil
	})
	return r, err
}

// End is the universal terminal request every worker schema accepts.
type End struct{}

// Marshal encodes an End (always empty).
func (End) Marshal() []byte { return nil }
