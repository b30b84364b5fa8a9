// Package files2fs formats a destination image with a filesystem and
// writes files into it as they arrive from the client, tracking which
// sectors were actually touched so fs2dev only has to copy those back to
// the real device. Grounded on usbsas-files2fs/src/lib.rs: its FSWrite
// trait, mkfs() dispatch and "no sparse writes" invariant are carried
// over; SparseFile/FileBitVec come from internal/sparsefile.
package files2fs

import (
	"fmt"
)

// FSWrite is the write-side counterpart of fsrw.Reader: a filesystem
// mounted over a freshly mkfs'd image, fed new files and directories in
// the order the client discovers them. Mirrors Rust's FSWrite trait.
type FSWrite interface {
	NewFile(path string, timestamp int64) (FileHandle, error)
	NewDir(path string, timestamp int64) error
	SetTimestamp(path string, timestamp int64) error
	RemoveFile(path string) error
}

// FileHandle is a single file's write end. Writes must be sequential: a
// caller that needs to append at some offset must have already written
// everything before it, matching usbsas's "sparse write not supported"
// rule enforced in WritingFileState::write_file.
type FileHandle interface {
	// Write appends data at the current end of the file.
	Write(data []byte) error
	// Offset is the number of bytes written so far.
	Offset() uint64
	// Close finalizes the file's directory entry (size, cluster chain).
	Close() error
}

// OutFsFormat selects the filesystem mkfs lays down, a finer axis than
// common.OutFsType (which only distinguishes "a disk image" from "a tar
// archive" as the destination kind). usbsas-files2fs/src/lib.rs reads
// this from the client's SetFsInfos request ("fat", "exfat" or "ntfs").
type OutFsFormat int

const (
	FsFormatFAT OutFsFormat = iota
	FsFormatExfat
	FsFormatNTFS
)

// ParseOutFsFormat maps the client-supplied filesystem name to a format,
// matching usbsas_proto::common::OutFsType-adjacent string matching in
// mkfs().
func ParseOutFsFormat(s string) (OutFsFormat, error) {
	switch s {
	case "fat", "FAT", "vfat":
		return FsFormatFAT, nil
	case "exfat", "EXFAT":
		return FsFormatExfat, nil
	case "ntfs", "NTFS":
		return FsFormatNTFS, nil
	default:
		return 0, fmt.Errorf("files2fs: unknown output filesystem %q", s)
	}
}

// sectorStart mirrors usbsas-files2fs's SECTOR_START: the filesystem
// begins one sector (the MBR) into the device, leaving room for the
// partition table the same way mkfs() does for FAT/exFAT/NTFS.
const sectorStart = 1
