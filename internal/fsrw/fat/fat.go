// Package fat reads FAT16, FAT32 and exFAT partitions (a FAT12 volume's
// 12-bit allocation table is not decoded), grounded on
// usbsas-fsrw/src/ff.rs (which wraps ChaN's FatFs C library; this package
// re-implements the subset of FatFs's read path usbsas exercises directly
// in Go, since no pack library parses either format).
package fat

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

var ErrNotFound = errors.New("fat: path not found")

// FS mounts a FAT16/32 or exFAT volume. All offsets are partition-
// relative; the caller's SectorReaderAt must already translate to
// absolute disk offsets (internal/scsi2files.MassStorageComm does this
// via its partition_sector_start field).
type FS struct {
	r          fsrw.SectorReaderAt
	sectorSize uint32
	isExfat    bool

	bytesPerSector uint32
	sectorsPerClus uint32
	reservedSecs   uint32
	numFATs        uint32
	rootEntries    uint32 // FAT12/16 only
	fatSize        uint32 // sectors per FAT
	rootCluster    uint32 // FAT32/exFAT only
	firstDataSec   uint32
	totalClusters  uint32
	clusterHeapOff uint32 // exFAT: cluster 2 offset, sectors
}

// New parses the boot sector at partition offset 0 and returns a mounted
// FS, matching FatFsReader::new in usbsas-fsrw/src/ff.rs.
func New(r fsrw.SectorReaderAt, sectorSize uint32) (*FS, error) {
	boot := make([]byte, 512)
	if _, err := r.ReadAt(boot, 0); err != nil {
		return nil, fmt.Errorf("fat: read boot sector: %w", err)
	}

	fs := &FS{r: r, sectorSize: sectorSize}

	if string(boot[3:11]) == "EXFAT   " {
		fs.isExfat = true
		fs.bytesPerSector = 1 << boot[108]
		fs.sectorsPerClus = 1 << boot[109]
		fs.reservedSecs = binary.LittleEndian.Uint32(boot[64:68])
		fs.numFATs = uint32(boot[110])
		fs.fatSize = binary.LittleEndian.Uint32(boot[84:88])
		fs.clusterHeapOff = binary.LittleEndian.Uint32(boot[88:92])
		fs.rootCluster = binary.LittleEndian.Uint32(boot[96:100])
		fs.totalClusters = binary.LittleEndian.Uint32(boot[92:96])
		return fs, nil
	}

	fs.bytesPerSector = uint32(binary.LittleEndian.Uint16(boot[11:13]))
	if fs.bytesPerSector == 0 {
		fs.bytesPerSector = sectorSize
	}
	fs.sectorsPerClus = uint32(boot[13])
	fs.reservedSecs = uint32(binary.LittleEndian.Uint16(boot[14:16]))
	fs.numFATs = uint32(boot[16])
	fs.rootEntries = uint32(binary.LittleEndian.Uint16(boot[17:19]))

	fatSz16 := uint32(binary.LittleEndian.Uint16(boot[22:24]))
	totSec16 := uint32(binary.LittleEndian.Uint16(boot[19:21]))
	totSec32 := binary.LittleEndian.Uint32(boot[32:36])
	totSec := totSec16
	if totSec == 0 {
		totSec = totSec32
	}

	if fatSz16 != 0 {
		fs.fatSize = fatSz16
	} else {
		fs.fatSize = binary.LittleEndian.Uint32(boot[36:40]) // FAT32 BPB_FATSz32
		fs.rootCluster = binary.LittleEndian.Uint32(boot[44:48])
	}

	rootDirSecs := (fs.rootEntries*32 + fs.bytesPerSector - 1) / fs.bytesPerSector
	fs.firstDataSec = fs.reservedSecs + fs.numFATs*fs.fatSize + rootDirSecs
	dataSecs := totSec - fs.firstDataSec
	if fs.sectorsPerClus > 0 {
		fs.totalClusters = dataSecs / fs.sectorsPerClus
	}
	return fs, nil
}

func (fs *FS) readSectors(lba uint64, n int) ([]byte, error) {
	buf := make([]byte, n*int(fs.bytesPerSector))
	if _, err := fs.r.ReadAt(buf, int64(lba)*int64(fs.bytesPerSector)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fs *FS) clusterToLBA(cluster uint32) uint64 {
	if fs.isExfat {
		return uint64(fs.clusterHeapOff) + uint64(cluster-2)*uint64(fs.sectorsPerClus)
	}
	return uint64(fs.firstDataSec) + uint64(cluster-2)*uint64(fs.sectorsPerClus)
}

func (fs *FS) readCluster(cluster uint32) ([]byte, error) {
	return fs.readSectors(fs.clusterToLBA(cluster), int(fs.sectorsPerClus))
}

// nextCluster walks the FAT, handling 16-bit (FAT16) and 32-bit
// (FAT32/exFAT) entry widths. exFAT "NoFatChain" contiguous runs are not
// chased: a chain walk ends at the first FAT entry that reads 0 or
// end-of-chain, and no caller uses the stream extension's declared size
// instead.
func (fs *FS) nextCluster(cluster uint32) (uint32, error) {
	fatStart := uint64(fs.reservedSecs) * uint64(fs.bytesPerSector)
	switch {
	case fs.isExfat, fs.rootEntries == 0 && !fs.isExfat: // FAT32 or exFAT: 32-bit entries
		off := fatStart + uint64(cluster)*4
		buf := make([]byte, 4)
		if _, err := fs.r.ReadAt(buf, int64(off)); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF
		if v >= 0x0FFFFFF8 {
			return 0, nil
		}
		return v, nil
	default: // FAT16: 16-bit entries (FAT12 not supported, rare on USB sticks)
		off := fatStart + uint64(cluster)*2
		buf := make([]byte, 2)
		if _, err := fs.r.ReadAt(buf, int64(off)); err != nil {
			return 0, err
		}
		v := uint32(binary.LittleEndian.Uint16(buf))
		if v >= 0xFFF8 {
			return 0, nil
		}
		return v, nil
	}
}

// direntry is a filesystem-agnostic directory entry collected while
// walking either a FAT 8.3 directory table or an exFAT directory set.
type direntry struct {
	name    string
	isDir   bool
	size    uint64
	cluster uint32
	mtime   int64
}

func (fs *FS) readDirClusterChain(firstCluster uint32, isRoot bool) ([]byte, error) {
	if isRoot && !fs.isExfat && fs.rootCluster == 0 {
		rootLBA := uint64(fs.reservedSecs) + uint64(fs.numFATs)*uint64(fs.fatSize)
		rootSecs := (fs.rootEntries*32 + fs.bytesPerSector - 1) / fs.bytesPerSector
		return fs.readSectors(rootLBA, int(rootSecs))
	}
	var out []byte
	cluster := firstCluster
	for cluster >= 2 {
		data, err := fs.readCluster(cluster)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		next, err := fs.nextCluster(cluster)
		if err != nil {
			return nil, err
		}
		if next == 0 {
			break
		}
		cluster = next
	}
	return out, nil
}

func (fs *FS) listDir(dirCluster uint32, isRoot bool) ([]direntry, error) {
	if fs.isExfat {
		return fs.listDirExfat(dirCluster)
	}
	return fs.listDirFAT(dirCluster, isRoot)
}

// listDirFAT parses classic 32-byte 8.3 directory entries. Long (VFAT)
// name entries are skipped; files are listed under their short name.
func (fs *FS) listDirFAT(dirCluster uint32, isRoot bool) ([]direntry, error) {
	raw, err := fs.readDirClusterChain(dirCluster, isRoot)
	if err != nil {
		return nil, err
	}
	var out []direntry
	for i := 0; i+32 <= len(raw); i += 32 {
		e := raw[i : i+32]
		if e[0] == 0x00 {
			break
		}
		if e[0] == 0xE5 {
			continue
		}
		attr := e[11]
		if attr == 0x0F {
			continue // VFAT long-name entry
		}
		name := strings.TrimRight(string(e[0:8]), " ")
		ext := strings.TrimRight(string(e[8:11]), " ")
		if name == "." || name == ".." {
			continue
		}
		if ext != "" {
			name = name + "." + ext
		}
		cluster := uint32(binary.LittleEndian.Uint16(e[26:28]))
		cluster |= uint32(binary.LittleEndian.Uint16(e[20:22])) << 16
		size := binary.LittleEndian.Uint32(e[28:32])
		mdate := binary.LittleEndian.Uint16(e[24:26])
		mtime := binary.LittleEndian.Uint16(e[22:24])
		out = append(out, direntry{
			name:    name,
			isDir:   attr&0x10 != 0,
			size:    uint64(size),
			cluster: cluster,
			mtime:   fatTimeToUnix(mdate, mtime),
		})
	}
	return out, nil
}

func fatTimeToUnix(date, tm uint16) int64 {
	year := int(date>>9) + 1980
	month := int((date >> 5) & 0xF)
	day := int(date & 0x1F)
	hour := int(tm >> 11)
	min := int((tm >> 5) & 0x3F)
	sec := int(tm&0x1F) * 2
	if month == 0 || day == 0 {
		return 0
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC).Unix()
}

// listDirExfat parses exFAT directory sets: a file entry (0x85) followed
// by a stream-extension entry (0xC0, cluster/size) and one or more
// filename entries (0xC1, 15 UTF-16 code units each).
func (fs *FS) listDirExfat(dirCluster uint32) ([]direntry, error) {
	raw, err := fs.readDirClusterChain(dirCluster, false)
	if err != nil {
		return nil, err
	}
	var out []direntry
	for i := 0; i+32 <= len(raw); i += 32 {
		e := raw[i : i+32]
		entryType := e[0]
		if entryType == 0x00 {
			break
		}
		if entryType != 0x85 { // FileDirectoryEntry
			continue
		}
		secondaryCount := int(e[1])
		attrs := binary.LittleEndian.Uint16(e[4:6])
		isDir := attrs&0x10 != 0
		if i+32*(1+secondaryCount) > len(raw) {
			break
		}
		streamEntry := raw[i+32 : i+64]
		if len(streamEntry) < 32 || streamEntry[0] != 0xC0 {
			continue
		}
		nameLen := int(streamEntry[3])
		firstCluster := binary.LittleEndian.Uint32(streamEntry[20:24])
		size := binary.LittleEndian.Uint64(streamEntry[24:32])

		var nameUnits []uint16
		for j := 2; j <= secondaryCount; j++ {
			off := i + 32*j
			if off+32 > len(raw) {
				break
			}
			nameEntry := raw[off : off+32]
			if nameEntry[0] != 0xC1 {
				continue
			}
			for k := 0; k < 15 && len(nameUnits) < nameLen; k++ {
				nameUnits = append(nameUnits, binary.LittleEndian.Uint16(nameEntry[2+k*2:4+k*2]))
			}
		}
		out = append(out, direntry{
			name:    decodeUTF16(nameUnits),
			isDir:   isDir,
			size:    size,
			cluster: firstCluster,
		})
	}
	return out, nil
}

func decodeUTF16(units []uint16) string {
	b := make([]byte, 0, len(units)*3)
	for _, u := range units {
		b = append(b, []byte(string(rune(u)))...)
	}
	return string(b)
}

// resolve walks path components from the root directory to find the
// entry, returning its direntry and whether it's the root itself.
func (fs *FS) resolve(p string) (direntry, bool, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return direntry{name: "", isDir: true, cluster: fs.rootCluster}, true, nil
	}
	parts := strings.Split(p, "/")
	cluster := fs.rootCluster
	var cur direntry
	for i, part := range parts {
		entries, err := fs.listDir(cluster, cluster == fs.rootCluster && i == 0)
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
		cluster = cur.cluster
	}
	return cur, false, nil
}

// GetAttr implements fsrw.Reader.
func (fs *FS) GetAttr(p string) (common.FileType, uint64, int64, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return 0, 0, 0, err
	}
	if isRoot || e.isDir {
		return common.FileTypeDirectory, 0, e.mtime, nil
	}
	return common.FileTypeRegular, e.size, e.mtime, nil
}

// ReadDir implements fsrw.Reader.
func (fs *FS) ReadDir(p string) ([]common.FileInfo, error) {
	e, isRoot, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if !isRoot && !e.isDir {
		return nil, fmt.Errorf("fat: %s is not a directory", p)
	}
	entries, err := fs.listDir(e.cluster, isRoot)
	if err != nil {
		return nil, err
	}
	out := make([]common.FileInfo, 0, len(entries))
	for _, c := range entries {
		ftype := common.FileTypeRegular
		if c.isDir {
			ftype = common.FileTypeDirectory
		}
		out = append(out, common.FileInfo{
			Path: path.Join(p, c.name),
			Size: c.size,
			Type: ftype,
		})
	}
	return out, nil
}

// ReadFile implements fsrw.Reader, following the cluster chain and
// returning the requested [offset, offset+size) window.
func (fs *FS) ReadFile(p string, offset, size uint64) ([]byte, error) {
	e, _, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, fmt.Errorf("fat: %s is a directory", p)
	}
	data, err := fs.readDirClusterChain(e.cluster, false)
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
