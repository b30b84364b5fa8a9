// Package ntfs reads NTFS partitions directly from the MFT, grounded on
// usbsas-fsrw/src/ntfs.rs (which wraps the ntfs-rs crate; this package
// parses MFT records, attribute runlists and $INDEX_ROOT index entries
// itself, since no pack library reads NTFS). $INDEX_ALLOCATION is not read.
package ntfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf16"

	"github.com/usbsas/usbsas/internal/fsrw"
	"github.com/usbsas/usbsas/internal/proto/common"
)

var ErrNotFound = errors.New("ntfs: path not found")

const (
	attrStandardInfo    = 0x10
	attrFileName        = 0x30
	attrData            = 0x80
	attrIndexRoot       = 0x90
	attrIndexAllocation = 0xA0
	attrEnd             = 0xFFFFFFFF

	// NTFS epoch (1601-01-01) to Unix epoch (1970-01-01), in seconds.
	ntfsEpochOffset = 11644473600
)

// FS mounts an NTFS volume. Reads go through a SectorReaderAt over
// absolute partition-relative byte offsets.
type FS struct {
	r            fsrw.SectorReaderAt
	bytesPerSec  uint32
	secsPerClus  uint32
	clusterSize  uint32
	mftLCN       uint64
	fileRecSize  uint32
	rootRecordNo uint64
}

// New parses the NTFS boot sector and locates record 5 ($root
// directory), matching NTFS::new in usbsas-fsrw/src/ntfs.rs.
func New(r fsrw.SectorReaderAt, sectorSize uint32) (*FS, error) {
	boot := make([]byte, 512)
	if _, err := r.ReadAt(boot, 0); err != nil {
		return nil, fmt.Errorf("ntfs: read boot sector: %w", err)
	}
	if string(boot[3:7]) != "NTFS" {
		return nil, fmt.Errorf("ntfs: bad oem id")
	}
	fs := &FS{r: r, rootRecordNo: 5}
	fs.bytesPerSec = uint32(binary.LittleEndian.Uint16(boot[11:13]))
	if fs.bytesPerSec == 0 {
		fs.bytesPerSec = sectorSize
	}
	fs.secsPerClus = uint32(boot[13])
	fs.clusterSize = fs.bytesPerSec * fs.secsPerClus
	fs.mftLCN = binary.LittleEndian.Uint64(boot[48:56])

	clustersPerRecord := int8(boot[64])
	if clustersPerRecord >= 0 {
		fs.fileRecSize = uint32(clustersPerRecord) * fs.clusterSize
	} else {
		fs.fileRecSize = 1 << uint(-clustersPerRecord)
	}
	return fs, nil
}

func (fs *FS) clusterOffset(lcn uint64) int64 {
	return int64(lcn) * int64(fs.clusterSize)
}

// readRecord fetches and fixes up (applies the update sequence array to)
// the raw MFT record with the given index.
func (fs *FS) readRecord(index uint64) ([]byte, error) {
	off := fs.clusterOffset(fs.mftLCN) + int64(index)*int64(fs.fileRecSize)
	buf := make([]byte, fs.fileRecSize)
	if _, err := fs.r.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("ntfs: read record %d: %w", index, err)
	}
	if string(buf[0:4]) != "FILE" {
		return nil, fmt.Errorf("ntfs: record %d: bad signature", index)
	}
	usaOffset := binary.LittleEndian.Uint16(buf[4:6])
	usaCount := binary.LittleEndian.Uint16(buf[6:8])
	if usaCount > 1 {
		usa := buf[usaOffset : usaOffset+2*usaCount]
		sectorSig := usa[0:2]
		for i := 1; i < int(usaCount); i++ {
			sectorEnd := i*512 - 2
			if sectorEnd+2 > len(buf) {
				break
			}
			copy(buf[sectorEnd:sectorEnd+2], usa[2*i:2*i+2])
			_ = sectorSig
		}
	}
	return buf, nil
}

type attrHeader struct {
	typ        uint32
	nonRes     bool
	name       string
	contentOff uint32
	contentLen uint32
	runListOff uint32
	dataSize   uint64
	totalLen   uint32
}

func parseAttrs(record []byte) []attrHeader {
	attrOff := uint32(binary.LittleEndian.Uint16(record[20:22]))
	var out []attrHeader
	for attrOff+4 <= uint32(len(record)) {
		typ := binary.LittleEndian.Uint32(record[attrOff : attrOff+4])
		if typ == attrEnd {
			break
		}
		length := binary.LittleEndian.Uint32(record[attrOff+4 : attrOff+8])
		if length == 0 || attrOff+length > uint32(len(record)) {
			break
		}
		a := attrHeader{typ: typ, totalLen: length}
		nonRes := record[attrOff+8]
		a.nonRes = nonRes != 0
		nameLen := record[attrOff+9]
		nameOff := binary.LittleEndian.Uint16(record[attrOff+10 : attrOff+12])
		if nameLen > 0 {
			nameBytes := record[attrOff+uint32(nameOff) : attrOff+uint32(nameOff)+uint32(nameLen)*2]
			a.name = decodeUTF16(nameBytes)
		}
		if a.nonRes {
			a.dataSize = binary.LittleEndian.Uint64(record[attrOff+48 : attrOff+56])
			a.runListOff = attrOff + uint32(binary.LittleEndian.Uint16(record[attrOff+32:attrOff+34]))
		} else {
			a.contentLen = binary.LittleEndian.Uint32(record[attrOff+16 : attrOff+20])
			a.contentOff = attrOff + uint32(binary.LittleEndian.Uint16(record[attrOff+20:attrOff+22]))
			a.dataSize = uint64(a.contentLen)
		}
		out = append(out, a)
		attrOff += length
	}
	return out
}

func decodeUTF16(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[2*i : 2*i+2])
	}
	return string(utf16.Decode(u16))
}

// run is one decoded (length, LCN-delta) pair of a non-resident
// attribute's data runs.
type run struct {
	length uint64
	lcn    int64 // absolute, after applying the delta chain; sparse if lcn < 0
}

func parseRunlist(record []byte, off uint32) []run {
	var runs []run
	lcn := int64(0)
	for off < uint32(len(record)) {
		header := record[off]
		if header == 0 {
			break
		}
		lenSize := int(header & 0x0F)
		offSize := int(header >> 4)
		off++
		if int(off)+lenSize+offSize > len(record) {
			break
		}
		length := readLE(record[off:off+uint32(lenSize)], lenSize)
		off += uint32(lenSize)
		var sparse bool
		var delta int64
		if offSize > 0 {
			delta = readLEsigned(record[off:off+uint32(offSize)], offSize)
		} else {
			sparse = true
		}
		off += uint32(offSize)
		if sparse {
			runs = append(runs, run{length: length, lcn: -1})
			continue
		}
		lcn += delta
		runs = append(runs, run{length: length, lcn: lcn})
	}
	return runs
}

func readLE(b []byte, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readLEsigned(b []byte, n int) int64 {
	v := readLE(b, n)
	if n > 0 && b[n-1]&0x80 != 0 {
		v |= ^uint64(0) << (uint(n) * 8)
	}
	return int64(v)
}

// readAttrData reads the full (possibly non-resident, multi-run) value
// of one attribute.
func (fs *FS) readAttrData(record []byte, a attrHeader) ([]byte, error) {
	if !a.nonRes {
		return record[a.contentOff : a.contentOff+a.contentLen], nil
	}
	runs := parseRunlist(record, a.runListOff)
	out := make([]byte, 0, a.dataSize)
	for _, rn := range runs {
		n := int64(rn.length) * int64(fs.clusterSize)
		if rn.lcn < 0 {
			out = append(out, make([]byte, n)...)
			continue
		}
		buf := make([]byte, n)
		if _, err := fs.r.ReadAt(buf, fs.clusterOffset(uint64(rn.lcn))); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	if uint64(len(out)) > a.dataSize {
		out = out[:a.dataSize]
	}
	return out, nil
}

type mftEntry struct {
	recordNo  uint64
	name      string
	isDir     bool
	size      uint64
	timestamp int64
}

// readDirEntries reads the index entries stored inline in a directory's
// $INDEX_ROOT. $INDEX_ALLOCATION is not read, so entries of a directory
// whose index has grown into it are not listed.
func (fs *FS) readDirEntries(record []byte) ([]mftEntry, error) {
	attrs := parseAttrs(record)
	var indexRoot *attrHeader
	for i := range attrs {
		if attrs[i].typ == attrIndexRoot {
			indexRoot = &attrs[i]
			break
		}
	}
	if indexRoot == nil {
		return nil, nil
	}
	data, err := fs.readAttrData(record, *indexRoot)
	if err != nil {
		return nil, err
	}
	if len(data) < 32 {
		return nil, nil
	}
	// IndexRoot header (16 bytes: attr type, collation rule, size, clusters
	// per index record) precedes the IndexHeader (16 bytes).
	ihOff := 16
	entriesOff := ihOff + int(binary.LittleEndian.Uint32(data[ihOff:ihOff+4]))
	entriesEnd := ihOff + int(binary.LittleEndian.Uint32(data[ihOff+4:ihOff+8]))
	if entriesEnd > len(data) {
		entriesEnd = len(data)
	}

	var out []mftEntry
	off := entriesOff
	for off+16 <= entriesEnd {
		entryLen := int(binary.LittleEndian.Uint16(data[off+8 : off+10]))
		flags := binary.LittleEndian.Uint16(data[off+12 : off+14])
		if flags&0x02 != 0 || entryLen < 16 { // last entry
			break
		}
		fileRef := binary.LittleEndian.Uint64(data[off:off+8]) & 0x0000FFFFFFFFFFFF
		streamLen := int(data[off+16+64])
		if off+16+66+streamLen*2 <= len(data) {
			nameBytes := data[off+16+66 : off+16+66+streamLen*2]
			size := binary.LittleEndian.Uint64(data[off+16+48 : off+16+56])
			mtimeRaw := binary.LittleEndian.Uint64(data[off+16+8 : off+16+16])
			flagsFile := binary.LittleEndian.Uint32(data[off+16+56 : off+16+60])
			name := decodeUTF16(nameBytes)
			if name != "." && name != ".." && fileRef >= 27 {
				out = append(out, mftEntry{
					recordNo:  fileRef,
					name:      name,
					isDir:     flagsFile&0x10000000 != 0,
					size:      size,
					timestamp: int64(mtimeRaw/10000000) - ntfsEpochOffset,
				})
			}
		}
		off += entryLen
	}
	return out, nil
}

func fileNameFromRecord(record []byte) (string, int64, error) {
	attrs := parseAttrs(record)
	for _, a := range attrs {
		if a.typ != attrFileName {
			continue
		}
		data := record[a.contentOff : a.contentOff+a.contentLen]
		if len(data) < 66 {
			continue
		}
		mtimeRaw := binary.LittleEndian.Uint64(data[8:16])
		nameLen := int(data[64])
		namespace := data[65]
		nameBytes := data[66 : 66+nameLen*2]
		if namespace == 2 { // DOS short name: prefer a longer variant if one exists
			continue
		}
		return decodeUTF16(nameBytes), int64(mtimeRaw/10000000) - ntfsEpochOffset, nil
	}
	return "", 0, fmt.Errorf("ntfs: no file name attribute")
}

func dataAttr(attrs []attrHeader) (*attrHeader, bool) {
	for i := range attrs {
		if attrs[i].typ == attrData && attrs[i].name == "" {
			return &attrs[i], true
		}
	}
	return nil, false
}

func isDirectory(record []byte) bool {
	flags := binary.LittleEndian.Uint16(record[22:24])
	return flags&0x02 != 0
}

func (fs *FS) findRecord(p string) (uint64, []byte, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	record, err := fs.readRecord(fs.rootRecordNo)
	if err != nil {
		return 0, nil, err
	}
	recordNo := fs.rootRecordNo
	if p == "" || p == "." {
		return recordNo, record, nil
	}
	for _, part := range strings.Split(p, "/") {
		entries, err := fs.readDirEntries(record)
		if err != nil {
			return 0, nil, err
		}
		var next *mftEntry
		for i := range entries {
			if strings.EqualFold(entries[i].name, part) {
				next = &entries[i]
				break
			}
		}
		if next == nil {
			return 0, nil, ErrNotFound
		}
		recordNo = next.recordNo
		record, err = fs.readRecord(recordNo)
		if err != nil {
			return 0, nil, err
		}
	}
	return recordNo, record, nil
}

// GetAttr implements fsrw.Reader.
func (fs *FS) GetAttr(p string) (common.FileType, uint64, int64, error) {
	_, record, err := fs.findRecord(p)
	if err != nil {
		return 0, 0, 0, err
	}
	dir := isDirectory(record)
	name, ts, _ := fileNameFromRecord(record)
	_ = name
	if dir {
		return common.FileTypeDirectory, 0, ts, nil
	}
	attrs := parseAttrs(record)
	a, ok := dataAttr(attrs)
	var size uint64
	if ok {
		size = a.dataSize
	}
	return common.FileTypeRegular, size, ts, nil
}

// ReadDir implements fsrw.Reader.
func (fs *FS) ReadDir(p string) ([]common.FileInfo, error) {
	_, record, err := fs.findRecord(p)
	if err != nil {
		return nil, err
	}
	entries, err := fs.readDirEntries(record)
	if err != nil {
		return nil, err
	}
	out := make([]common.FileInfo, 0, len(entries))
	for _, e := range entries {
		ftype := common.FileTypeRegular
		if e.isDir {
			ftype = common.FileTypeDirectory
		}
		out = append(out, common.FileInfo{Path: path.Join(p, e.name), Size: e.size, Type: ftype})
	}
	return out, nil
}

// ReadFile implements fsrw.Reader.
func (fs *FS) ReadFile(p string, offset, size uint64) ([]byte, error) {
	_, record, err := fs.findRecord(p)
	if err != nil {
		return nil, err
	}
	attrs := parseAttrs(record)
	a, ok := dataAttr(attrs)
	if !ok {
		return nil, fmt.Errorf("ntfs: %s has no data stream", p)
	}
	data, err := fs.readAttrData(record, *a)
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
	return bytes.Clone(data[offset:end]), nil
}
