// Package files2tar streams a staged file selection into a ustar archive,
// grounded on usbsas-files2tar/src/{files2tar,tarwriter}.rs.
package files2tar

import (
	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/writetar"
)

// ArchiveWriter is the capability the files2tar worker drives through its
// NewFile/WriteFile/EndFile/Close request sequence, mirroring the original
// trait of the same name so a different archive format could be dropped
// in without touching worker.go.
type ArchiveWriter interface {
	Init() error
	NewFile(path string, ftype common.FileType, size uint64, timestamp int64) error
	WriteFile(data []byte) error
	EndFile(lenWritten int) error
	Finish(req writetar.Request) error
}
