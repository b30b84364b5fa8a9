// Package fsrw defines the filesystem-reading capability scsi2files opens
// on top of a partition, grounded on the FSRead<T> trait in
// usbsas-fsrw/src/lib.rs and implemented for FAT/exFAT, NTFS, ext4 and
// ISO9660 in this package's subpackages.
package fsrw

import "github.com/usbsas/usbsas/internal/proto/common"

// Reader is a mounted, read-only filesystem: attr lookup, directory
// listing and bounded file reads by path, the same three operations
// usbsas-scsi2files/src/lib.rs's PartitionOpenedState forwards.
type Reader interface {
	GetAttr(path string) (ftype common.FileType, size uint64, timestamp int64, err error)
	ReadDir(path string) ([]common.FileInfo, error)
	ReadFile(path string, offset, size uint64) ([]byte, error)
}

// SectorReaderAt is the random-access capability every filesystem
// implementation needs from the partition it mounts: partition-relative
// byte reads (offset 0 is the partition's first byte), matching MassStorageComm's ReadAt
// impl in usbsas-mass-storage/src/lib.rs.
type SectorReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}
