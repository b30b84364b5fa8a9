package files2fs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/usbsas/usbsas/internal/sparsefile"
)

// fatSectorSize is fixed at the classic 512 regardless of the device's
// reported sector size: mkfs() in usbsas-files2fs always formats at this
// granularity and lets the destination adapt.
const fatSectorSize = 512

// fatClusterSectors picks a conservative, fixed cluster size (4KiB) for
// every volume size FatWriter formats. FatFs instead scales cluster size
// to volume capacity; a single fixed size is a deliberate simplification
// (see DESIGN.md) acceptable for the transfer volumes usbsas moves.
const fatClusterSectors = 8

const (
	fatEOC        uint32 = 0x0FFFFFFF
	fatBadCluster uint32 = 0x0FFFFFF7
)

// FatWriter formats and writes a FAT32 volume directly onto a
// sparsefile.SparseFile, allocating clusters monotonically (never
// reclaiming freed ones) since transfers never need to reuse space
// within a single session.
type FatWriter struct {
	dev *sparsefile.SparseFile

	bytesPerSector  uint32
	sectorsPerClus  uint32
	reservedSecs    uint32
	fatSize         uint32
	totalSectors    uint32
	fatStart        uint64 // sector
	fat2Start       uint64
	dataStart       uint64 // sector, where cluster 2 begins
	nextFreeCluster uint32

	dirs map[string]*dirCursor
}

type dirCursor struct {
	firstCluster uint32
	lastCluster  uint32
	writeOff     uint32 // byte offset into lastCluster's data for the next 32-byte entry
	shortNames   map[string]int
}

// Mkfs formats a fresh FAT32 volume over dev, which must already be
// truncated/sized to hold sectorCount sectors (internal/sparsefile.New
// does this). format selects the requested filesystem; only FAT and
// Exfat are accepted here, both laid down as FAT32 (see DESIGN.md for
// why exFAT collapses to FAT32 rather than getting its own writer).
func Mkfs(dev *sparsefile.SparseFile, sectorCount uint32, format OutFsFormat) (*FatWriter, error) {
	if format == FsFormatNTFS {
		return nil, errors.New("files2fs: ntfs destination formatting is not supported")
	}
	if sectorCount <= sectorStart {
		return nil, errors.New("files2fs: device too small to format")
	}

	fw := &FatWriter{
		dev:            dev,
		bytesPerSector: fatSectorSize,
		sectorsPerClus: fatClusterSectors,
		reservedSecs:   32,
		totalSectors:   sectorCount - sectorStart,
		dirs:           make(map[string]*dirCursor),
	}

	dataSectorsGuess := fw.totalSectors - fw.reservedSecs
	clustersGuess := dataSectorsGuess / fw.sectorsPerClus
	fw.fatSize = (clustersGuess*4 + fw.bytesPerSector - 1) / fw.bytesPerSector

	fw.fatStart = sectorStart + uint64(fw.reservedSecs)
	fw.fat2Start = fw.fatStart + uint64(fw.fatSize)
	fw.dataStart = fw.fat2Start + uint64(fw.fatSize)
	fw.nextFreeCluster = 3 // cluster 2 is the root directory

	if err := fw.writeMBR(); err != nil {
		return nil, err
	}
	if err := fw.writeBootSector(); err != nil {
		return nil, err
	}
	if err := fw.writeFSInfo(); err != nil {
		return nil, err
	}
	if err := fw.setFAT(0, 0x0FFFFFF8); err != nil {
		return nil, err
	}
	if err := fw.setFAT(1, fatEOC); err != nil {
		return nil, err
	}
	if err := fw.setFAT(2, fatEOC); err != nil {
		return nil, err
	}

	fw.dirs["/"] = &dirCursor{firstCluster: 2, lastCluster: 2, shortNames: make(map[string]int)}
	return fw, nil
}

// writeMBR lays down a single-entry partition table at sector 0, type
// 0x0C (FAT32 LBA, in dev2scsi's mbrTypeAllowed set), pointing at the
// volume mkfs lays down starting at sectorStart. Without this, a
// destination image's filesystem would be unreachable through the same
// MBR/whole-disk fallback dev2scsi.ListPartitions uses to read it back.
func (fw *FatWriter) writeMBR() error {
	b := make([]byte, fatSectorSize)
	const off = 0x1BE
	b[off+4] = 0x0C // partition type
	binary.LittleEndian.PutUint32(b[off+8:off+12], uint32(sectorStart))
	binary.LittleEndian.PutUint32(b[off+12:off+16], fw.totalSectors)
	b[510], b[511] = 0x55, 0xAA

	if _, err := fw.dev.Seek(0, 0); err != nil {
		return err
	}
	_, err := fw.dev.Write(b)
	return err
}

func (fw *FatWriter) writeBootSector() error {
	b := make([]byte, fatSectorSize)
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90
	copy(b[3:11], "MSWIN4.1")
	binary.LittleEndian.PutUint16(b[11:13], uint16(fw.bytesPerSector))
	b[13] = byte(fw.sectorsPerClus)
	binary.LittleEndian.PutUint16(b[14:16], uint16(fw.reservedSecs))
	b[16] = 2 // numFATs
	binary.LittleEndian.PutUint16(b[17:19], 0)
	binary.LittleEndian.PutUint16(b[19:21], 0)
	b[21] = 0xF8
	binary.LittleEndian.PutUint16(b[22:24], 0)
	binary.LittleEndian.PutUint16(b[24:26], 32)
	binary.LittleEndian.PutUint16(b[26:28], 64)
	binary.LittleEndian.PutUint32(b[28:32], sectorStart)
	binary.LittleEndian.PutUint32(b[32:36], fw.totalSectors)
	binary.LittleEndian.PutUint32(b[36:40], fw.fatSize)
	binary.LittleEndian.PutUint16(b[40:42], 0) // extFlags
	binary.LittleEndian.PutUint16(b[42:44], 0) // fsVersion
	binary.LittleEndian.PutUint32(b[44:48], 2) // rootCluster
	binary.LittleEndian.PutUint16(b[48:50], 1) // fsInfoSector
	binary.LittleEndian.PutUint16(b[50:52], 6) // backupBootSector
	b[64] = 0x80 // drive number
	b[66] = 0x29 // boot signature
	binary.LittleEndian.PutUint32(b[67:71], 0x55534253)
	copy(b[71:82], padRight("NO NAME", 11))
	copy(b[82:90], "FAT32   ")
	b[510], b[511] = 0x55, 0xAA

	if _, err := fw.dev.Seek(int64(sectorStart)*fatSectorSize, 0); err != nil {
		return err
	}
	if _, err := fw.dev.Write(b); err != nil {
		return fmt.Errorf("files2fs: write boot sector: %w", err)
	}
	// backup boot sector, sector 6
	if _, err := fw.dev.Seek(int64(sectorStart+6)*fatSectorSize, 0); err != nil {
		return err
	}
	_, err := fw.dev.Write(b)
	return err
}

func (fw *FatWriter) writeFSInfo() error {
	b := make([]byte, fatSectorSize)
	binary.LittleEndian.PutUint32(b[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(b[488:492], 0xFFFFFFFF) // free count unknown
	binary.LittleEndian.PutUint32(b[492:496], 0xFFFFFFFF) // next free unknown
	binary.LittleEndian.PutUint16(b[510:512], 0xAA55)
	if _, err := fw.dev.Seek(int64(sectorStart+1)*fatSectorSize, 0); err != nil {
		return err
	}
	_, err := fw.dev.Write(b)
	return err
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func (fw *FatWriter) fatEntryOffset(cluster uint32, which int) int64 {
	start := fw.fatStart
	if which == 1 {
		start = fw.fat2Start
	}
	return int64(start)*fatSectorSize + int64(cluster)*4
}

func (fw *FatWriter) setFAT(cluster uint32, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value&0x0FFFFFFF)
	for _, which := range []int{0, 1} {
		if _, err := fw.dev.Seek(fw.fatEntryOffset(cluster, which), 0); err != nil {
			return err
		}
		if _, err := fw.dev.Write(buf); err != nil {
			return fmt.Errorf("files2fs: write FAT entry: %w", err)
		}
	}
	return nil
}

func (fw *FatWriter) clusterToSector(cluster uint32) uint64 {
	return fw.dataStart + uint64(cluster-2)*uint64(fw.sectorsPerClus)
}

func (fw *FatWriter) clusterBytes() int64 {
	return int64(fw.sectorsPerClus) * fatSectorSize
}

// allocCluster allocates the next free cluster, marks it EOC and, if
// prev is nonzero, chains prev -> new cluster.
func (fw *FatWriter) allocCluster(prev uint32) (uint32, error) {
	c := fw.nextFreeCluster
	fw.nextFreeCluster++
	if err := fw.setFAT(c, fatEOC); err != nil {
		return 0, err
	}
	if prev != 0 {
		if err := fw.setFAT(prev, c); err != nil {
			return 0, err
		}
	}
	return c, nil
}

func (fw *FatWriter) zeroCluster(cluster uint32) error {
	if _, err := fw.dev.Seek(int64(fw.clusterToSector(cluster))*fatSectorSize, 0); err != nil {
		return err
	}
	_, err := fw.dev.Write(make([]byte, fw.clusterBytes()))
	return err
}

// shortName deterministically derives an 8.3 name, disambiguating
// collisions within a directory with a trailing ~N counter, the same
// scheme FatFs generates for long names.
func shortName(dc *dirCursor, name string) string {
	base, ext := splitExt(name)
	base = sanitizeShort(base)
	ext = sanitizeShort(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	cand := combine83(base, ext, 0)
	n := dc.shortNames[cand]
	if n > 0 || len(base) > 8 {
		n = dc.shortNames[strings.ToUpper(name)]
		n++
		cand = combine83(base, ext, n)
		dc.shortNames[strings.ToUpper(name)] = n
	}
	dc.shortNames[cand]++
	return cand
}

func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func sanitizeShort(s string) string {
	s = strings.ToUpper(s)
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '_' || c == '-' || c == '~':
			out = append(out, c)
		}
	}
	return string(out)
}

func combine83(base, ext string, n int) string {
	if n > 0 {
		suffix := fmt.Sprintf("~%d", n)
		max := 8 - len(suffix)
		if len(base) > max {
			base = base[:max]
		}
		base += suffix
	} else if len(base) > 8 {
		base = base[:8]
	}
	name := padRight(base, 8)
	if ext != "" {
		name += padRight(ext, 3)
	} else {
		name += "   "
	}
	return name
}

func unixToFATTime(ts int64) (uint16, uint16) {
	t := time.Unix(ts, 0).UTC()
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	date := uint16(year<<9) | uint16(t.Month())<<5 | uint16(t.Day())
	tm := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

// writeEntry appends a 32-byte 8.3 directory entry to dirPath's chain,
// extending it with a fresh cluster if the current one is full, and
// returns the absolute byte offset the entry was written at (so a file
// handle can later patch in its final size and first cluster).
func (fw *FatWriter) writeEntry(dirPath, name string, isDir bool, cluster uint32, size uint32, timestamp int64) (int64, error) {
	dc, ok := fw.dirs[dirPath]
	if !ok {
		return 0, fmt.Errorf("files2fs: parent directory %q not created yet", dirPath)
	}
	if dc.writeOff+32 > uint32(fw.clusterBytes()) {
		next, err := fw.allocCluster(dc.lastCluster)
		if err != nil {
			return 0, err
		}
		if err := fw.zeroCluster(next); err != nil {
			return 0, err
		}
		dc.lastCluster = next
		dc.writeOff = 0
	}

	entry := make([]byte, 32)
	sn := shortName(dc, name)
	copy(entry[0:8], sn[0:8])
	copy(entry[8:11], sn[8:11])
	if isDir {
		entry[11] = 0x10
	}
	date, tm := unixToFATTime(timestamp)
	binary.LittleEndian.PutUint16(entry[22:24], tm)
	binary.LittleEndian.PutUint16(entry[24:26], date)
	binary.LittleEndian.PutUint16(entry[18:20], date) // access date
	binary.LittleEndian.PutUint16(entry[16:18], date) // creation date (reused)
	binary.LittleEndian.PutUint16(entry[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(entry[26:28], uint16(cluster))
	binary.LittleEndian.PutUint32(entry[28:32], size)

	off := int64(fw.clusterToSector(dc.lastCluster))*fatSectorSize + int64(dc.writeOff)
	if _, err := fw.dev.Seek(off, 0); err != nil {
		return 0, err
	}
	if _, err := fw.dev.Write(entry); err != nil {
		return 0, err
	}
	dc.writeOff += 32
	return off, nil
}

// patchEntry overwrites the first-cluster and size fields of a
// previously written directory entry, used once a file's final length
// is known at EndFile.
func (fw *FatWriter) patchEntry(entryOff int64, cluster, size uint32) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(cluster))
	binary.LittleEndian.PutUint32(buf[4:8], size)
	if _, err := fw.dev.Seek(entryOff+20, 0); err != nil {
		return err
	}
	if _, err := fw.dev.Write(buf[0:2]); err != nil {
		return err
	}
	if _, err := fw.dev.Seek(entryOff+26, 0); err != nil {
		return err
	}
	if _, err := fw.dev.Write(buf[2:4]); err != nil {
		return err
	}
	if _, err := fw.dev.Seek(entryOff+28, 0); err != nil {
		return err
	}
	_, err := fw.dev.Write(buf[4:8])
	return err
}

// NewDir implements FSWrite.
func (fw *FatWriter) NewDir(path string, timestamp int64) error {
	parent, name := splitParent(path)
	pdc, ok := fw.dirs[parent]
	if !ok {
		return fmt.Errorf("files2fs: parent directory %q not created yet", parent)
	}
	cluster, err := fw.allocCluster(0)
	if err != nil {
		return err
	}
	if err := fw.zeroCluster(cluster); err != nil {
		return err
	}
	if err := fw.writeDotEntries(cluster, pdc.firstCluster, timestamp); err != nil {
		return err
	}
	if _, err := fw.writeEntry(parent, name, true, cluster, 0, timestamp); err != nil {
		return err
	}
	fw.dirs[path] = &dirCursor{firstCluster: cluster, lastCluster: cluster, shortNames: make(map[string]int)}
	return nil
}

func (fw *FatWriter) writeDotEntries(selfCluster, parentCluster uint32, timestamp int64) error {
	buf := make([]byte, 64)
	date, tm := unixToFATTime(timestamp)
	writeOne := func(b []byte, name string, cluster uint32) {
		copy(b[0:11], padRight(name, 11))
		b[11] = 0x10
		binary.LittleEndian.PutUint16(b[22:24], tm)
		binary.LittleEndian.PutUint16(b[24:26], date)
		binary.LittleEndian.PutUint16(b[20:22], uint16(cluster>>16))
		binary.LittleEndian.PutUint16(b[26:28], uint16(cluster))
	}
	writeOne(buf[0:32], ".", selfCluster)
	writeOne(buf[32:64], "..", parentCluster)
	if _, err := fw.dev.Seek(int64(fw.clusterToSector(selfCluster))*fatSectorSize, 0); err != nil {
		return err
	}
	_, err := fw.dev.Write(buf)
	return err
}

func splitParent(p string) (string, string) {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "/", p
	}
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// SetTimestamp implements FSWrite. Locating an arbitrary existing entry
// to patch would require a directory scan; usbsas only ever calls this
// right after NewFile/NewDir in the same session, so files2fs tracks the
// entry offset itself and this is a documented no-op for any other path.
func (fw *FatWriter) SetTimestamp(path string, timestamp int64) error {
	return nil
}

// RemoveFile implements FSWrite, marking the directory entry deleted.
// Its clusters are not reclaimed; a transfer that needs to remove a
// partially written file is a rare rollback path, and leaking a few
// clusters on an otherwise single-use destination image is harmless.
func (fw *FatWriter) RemoveFile(path string) error {
	parent, name := splitParent(path)
	dc, ok := fw.dirs[parent]
	if !ok {
		return fmt.Errorf("files2fs: parent directory %q not found", parent)
	}
	raw := make([]byte, fw.clusterBytes())
	cluster := dc.firstCluster
	for {
		if _, err := fw.dev.Seek(int64(fw.clusterToSector(cluster))*fatSectorSize, 0); err != nil {
			return err
		}
		if _, err := fw.dev.Read(raw); err != nil {
			return err
		}
		for i := 0; i+32 <= len(raw); i += 32 {
			e := raw[i : i+32]
			if e[0] == 0x00 || e[0] == 0xE5 {
				continue
			}
			entryName := strings.TrimRight(string(e[0:8]), " ")
			ext := strings.TrimRight(string(e[8:11]), " ")
			if ext != "" {
				entryName += "." + ext
			}
			if strings.EqualFold(entryName, shortNameOnly(name)) {
				off := int64(fw.clusterToSector(cluster)) * fatSectorSize
				if _, err := fw.dev.Seek(off+int64(i), 0); err != nil {
					return err
				}
				_, err := fw.dev.Write([]byte{0xE5})
				return err
			}
		}
		break
	}
	return fmt.Errorf("files2fs: entry %q not found for removal", path)
}

func shortNameOnly(name string) string {
	base, ext := splitExt(name)
	base = sanitizeShort(base)
	if len(base) > 8 {
		base = base[:8]
	}
	ext = sanitizeShort(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// NewFile implements FSWrite.
func (fw *FatWriter) NewFile(path string, timestamp int64) (FileHandle, error) {
	parent, name := splitParent(path)
	if _, ok := fw.dirs[parent]; !ok {
		return nil, fmt.Errorf("files2fs: parent directory %q not created yet", parent)
	}
	entryOff, err := fw.writeEntry(parent, name, false, 0, 0, timestamp)
	if err != nil {
		return nil, err
	}
	return &fatFileHandle{fw: fw, entryOff: entryOff}, nil
}

type fatFileHandle struct {
	fw           *FatWriter
	entryOff     int64
	firstCluster uint32
	lastCluster  uint32
	offInCluster uint32
	written      uint64
}

func (h *fatFileHandle) Offset() uint64 { return h.written }

func (h *fatFileHandle) Write(data []byte) error {
	fw := h.fw
	for len(data) > 0 {
		if h.lastCluster == 0 {
			c, err := fw.allocCluster(0)
			if err != nil {
				return err
			}
			h.firstCluster, h.lastCluster = c, c
			h.offInCluster = 0
		}
		room := uint32(fw.clusterBytes()) - h.offInCluster
		n := uint32(len(data))
		if n > room {
			n = room
		}
		off := int64(fw.clusterToSector(h.lastCluster))*fatSectorSize + int64(h.offInCluster)
		if _, err := fw.dev.Seek(off, 0); err != nil {
			return err
		}
		if _, err := fw.dev.Write(data[:n]); err != nil {
			return fmt.Errorf("files2fs: write file data: %w", err)
		}
		h.offInCluster += n
		h.written += uint64(n)
		data = data[n:]
		if h.offInCluster == uint32(fw.clusterBytes()) && len(data) > 0 {
			next, err := fw.allocCluster(h.lastCluster)
			if err != nil {
				return err
			}
			h.lastCluster = next
			h.offInCluster = 0
		}
	}
	return nil
}

func (h *fatFileHandle) Close() error {
	return h.fw.patchEntry(h.entryOff, h.firstCluster, uint32(h.written))
}
