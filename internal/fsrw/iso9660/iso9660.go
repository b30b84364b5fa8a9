// Package iso9660 reads ISO9660 (CD-ROM) filesystems: the primary volume
// descriptor, its root directory record and nested directory-record
// listings, grounded on usbsas-fsrw/src/iso9660fs.rs (which wraps the
// iso9660 crate; this package parses the (simple, fixed-layout) on-disk
// format itself, since no pack library reads ISO9660).
package iso9660

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/usbsas/usbsas/internal/fsrw"
	"github.com/usbsas/usbsas/internal/proto/common"
)

var ErrNotFound = errors.New("iso9660: path not found")

const sectorSize = 2048

// FS mounts an ISO9660 volume over partition-relative byte offsets.
type FS struct {
	r             fsrw.SectorReaderAt
	rootExtentLBA uint32
	rootSize      uint32
}

// New locates and parses the primary volume descriptor (sector 16),
// matching ISO9660::new in usbsas-fsrw/src/iso9660fs.rs.
func New(r fsrw.SectorReaderAt, _sectorSize uint32) (*FS, error) {
	pvd := make([]byte, sectorSize)
	if _, err := r.ReadAt(pvd, 16*sectorSize); err != nil {
		return nil, fmt.Errorf("iso9660: read PVD: %w", err)
	}
	if pvd[0] != 1 || string(pvd[1:6]) != "CD001" {
		return nil, fmt.Errorf("iso9660: bad PVD signature")
	}
	rootRecord := pvd[156:190]
	fs := &FS{r: r}
	fs.rootExtentLBA = binary.LittleEndian.Uint32(rootRecord[2:6])
	fs.rootSize = binary.LittleEndian.Uint32(rootRecord[10:14])
	return fs, nil
}

type direntry struct {
	name      string
	isDir     bool
	extentLBA uint32
	size      uint32
	timestamp int64
}

func parseDirRecordTime(b []byte) int64 {
	year := 1900 + int(int8(b[0]))
	month := int(b[1])
	day := int(b[2])
	hour, min, sec := int(b[3]), int(b[4]), int(b[5])
	gmtOffsetQuarterHours := int8(b[6])
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	loc := time.FixedZone("iso9660", int(gmtOffsetQuarterHours)*15*60)
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, loc).Unix()
}

func (fs *FS) readExtent(lba uint32, size uint32) ([]byte, error) {
	n := (size + sectorSize - 1) / sectorSize
	buf := make([]byte, n*sectorSize)
	if _, err := fs.r.ReadAt(buf, int64(lba)*sectorSize); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

func (fs *FS) listDir(lba, size uint32) ([]direntry, error) {
	data, err := fs.readExtent(lba, size)
	if err != nil {
		return nil, err
	}
	var out []direntry
	off := 0
	for off < len(data) {
		recLen := int(data[off])
		if recLen == 0 {
			// padding to next sector boundary
			off = ((off / sectorSize) + 1) * sectorSize
			continue
		}
		if off+recLen > len(data) {
			break
		}
		rec := data[off : off+recLen]
		extentLBA := binary.LittleEndian.Uint32(rec[2:6])
		fileSize := binary.LittleEndian.Uint32(rec[10:14])
		flags := rec[25]
		nameLen := int(rec[32])
		name := string(rec[33 : 33+nameLen])
		if name != "\x00" && name != "\x01" {
			// Strip the ";1" version suffix ISO9660 appends to file names.
			if idx := strings.IndexByte(name, ';'); idx >= 0 {
				name = name[:idx]
			}
			out = append(out, direntry{
				name:      name,
				isDir:     flags&0x02 != 0,
				extentLBA: extentLBA,
				size:      fileSize,
				timestamp: parseDirRecordTime(rec[18:25]),
			})
		}
		off += recLen
	}
	return out, nil
}

func (fs *FS) resolve(p string) (direntry, bool, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	root := direntry{isDir: true, extentLBA: fs.rootExtentLBA, size: fs.rootSize}
	if p == "" || p == "." {
		return root, true, nil
	}
	cur := root
	for _, part := range strings.Split(p, "/") {
		entries, err := fs.listDir(cur.extentLBA, cur.size)
		if err != nil {
			return direntry{}, false, err
		}
		found := false
		for _, e := range entries {
			if strings.EqualFold(e.name, part) {
				cur, found = e, true
				break
			}
		}
		if !found {
			return direntry{}, false, ErrNotFound
		}
	}
	return cur, false, nil
}

// GetAttr implements fsrw.Reader.
func (fs *FS) GetAttr(p string) (common.FileType, uint64, int64, error) {
	e, _, err := fs.resolve(p)
	if err != nil {
		return 0, 0, 0, err
	}
	if e.isDir {
		return common.FileTypeDirectory, 0, e.timestamp, nil
	}
	return common.FileTypeRegular, uint64(e.size), e.timestamp, nil
}

// ReadDir implements fsrw.Reader.
func (fs *FS) ReadDir(p string) ([]common.FileInfo, error) {
	e, _, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, fmt.Errorf("iso9660: %s is not a directory", p)
	}
	entries, err := fs.listDir(e.extentLBA, e.size)
	if err != nil {
		return nil, err
	}
	out := make([]common.FileInfo, 0, len(entries))
	for _, c := range entries {
		ftype := common.FileTypeRegular
		if c.isDir {
			ftype = common.FileTypeDirectory
		}
		out = append(out, common.FileInfo{Path: path.Join(p, c.name), Size: uint64(c.size), Type: ftype})
	}
	return out, nil
}

// ReadFile implements fsrw.Reader.
func (fs *FS) ReadFile(p string, offset, size uint64) ([]byte, error) {
	e, _, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, fmt.Errorf("iso9660: %s is a directory", p)
	}
	data, err := fs.readExtent(e.extentLBA, e.size)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := offset + size
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end], nil
}
