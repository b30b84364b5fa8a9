// Package ext4 reads ext4 partitions: superblock, group descriptors,
// extent-mapped inode data and classic linear directory entries, grounded
// on usbsas-fsrw/src/ext4fs.rs (which wraps the ext4 crate; this package
// parses the on-disk layout itself, since no pack library reads ext4).
package ext4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/usbsas/usbsas/internal/fsrw"
	"github.com/usbsas/usbsas/internal/proto/common"
)

var ErrNotFound = errors.New("ext4: path not found")

const (
	inodeFlagExtents = 0x80000
	rootInode        = 2
)

// FS mounts an ext4 volume over partition-relative byte offsets.
type FS struct {
	r fsrw.SectorReaderAt

	blockSize       uint32
	inodesPerGroup  uint32
	inodeSize       uint32
	blocksPerGroup  uint32
	gdBlock         uint32
	gdEntrySize     uint32
	firstDataBlock  uint32
}

// New parses the superblock (at byte offset 1024 regardless of block
// size) and the first group descriptor table, matching
// ext4::SuperBlock::new_with_options in usbsas-fsrw/src/ext4fs.rs.
func New(r fsrw.SectorReaderAt, _sectorSize uint32) (*FS, error) {
	sb := make([]byte, 1024)
	if _, err := r.ReadAt(sb, 1024); err != nil {
		return nil, fmt.Errorf("ext4: read superblock: %w", err)
	}
	if binary.LittleEndian.Uint16(sb[56:58]) != 0xEF53 {
		return nil, fmt.Errorf("ext4: bad magic")
	}
	fs := &FS{r: r}
	logBlockSize := binary.LittleEndian.Uint32(sb[24:28])
	fs.blockSize = 1024 << logBlockSize
	fs.inodesPerGroup = binary.LittleEndian.Uint32(sb[40:44])
	fs.blocksPerGroup = binary.LittleEndian.Uint32(sb[32:36])
	fs.firstDataBlock = binary.LittleEndian.Uint32(sb[20:24])
	inodeSize := binary.LittleEndian.Uint16(sb[88:90])
	if inodeSize == 0 {
		inodeSize = 128
	}
	fs.inodeSize = uint32(inodeSize)
	fs.gdBlock = fs.firstDataBlock + 1
	fs.gdEntrySize = 32 // classic (non-64bit) group descriptor size
	return fs, nil
}

func (fs *FS) readBlock(blockNo uint64) ([]byte, error) {
	buf := make([]byte, fs.blockSize)
	if _, err := fs.r.ReadAt(buf, int64(blockNo)*int64(fs.blockSize)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fs *FS) inodeTableBlock(group uint32) (uint32, error) {
	gdBuf, err := fs.readBlock(uint64(fs.gdBlock))
	if err != nil {
		return 0, err
	}
	off := group * fs.gdEntrySize
	if off+8 > uint32(len(gdBuf)) {
		return 0, fmt.Errorf("ext4: group %d out of range", group)
	}
	return binary.LittleEndian.Uint32(gdBuf[off+8 : off+12]), nil
}

type inode struct {
	mode      uint16
	size      uint64
	ctime     int64
	flags     uint32
	blockData [60]byte // inode.i_block, raw (extent header or block pointers)
}

func (fs *FS) readInode(num uint32) (*inode, error) {
	if num == 0 {
		return nil, fmt.Errorf("ext4: inode 0 invalid")
	}
	group := (num - 1) / fs.inodesPerGroup
	index := (num - 1) % fs.inodesPerGroup
	tableBlock, err := fs.inodeTableBlock(group)
	if err != nil {
		return nil, err
	}
	off := int64(tableBlock)*int64(fs.blockSize) + int64(index)*int64(fs.inodeSize)
	buf := make([]byte, fs.inodeSize)
	if _, err := fs.r.ReadAt(buf, off); err != nil {
		return nil, err
	}
	in := &inode{}
	in.mode = binary.LittleEndian.Uint16(buf[0:2])
	sizeLo := binary.LittleEndian.Uint32(buf[4:8])
	sizeHi := uint32(0)
	if len(buf) >= 110 {
		sizeHi = binary.LittleEndian.Uint32(buf[108:112])
	}
	in.size = uint64(sizeHi)<<32 | uint64(sizeLo)
	in.ctime = int64(int32(binary.LittleEndian.Uint32(buf[12:16])))
	in.flags = binary.LittleEndian.Uint32(buf[32:36])
	copy(in.blockData[:], buf[40:100])
	return in, nil
}

const (
	ftDirectory   = 2
	extMagic      = 0xF30A
)

// extentBlocks walks an inode's extent tree (depth 0 leaves and depth>0
// index nodes) and returns the logical->physical block mapping needed to
// read its data, flattened into an ordered list of physical block
// numbers covering [0, blockCount).
func (fs *FS) extentBlocks(in *inode) ([]uint64, error) {
	var blocks []uint64
	var walk func(raw []byte) error
	walk = func(raw []byte) error {
		if len(raw) < 12 || binary.LittleEndian.Uint16(raw[0:2]) != extMagic {
			return fmt.Errorf("ext4: bad extent header")
		}
		entries := binary.LittleEndian.Uint16(raw[2:4])
		depth := binary.LittleEndian.Uint16(raw[6:8])
		for i := 0; i < int(entries); i++ {
			e := raw[12+i*12:]
			if depth == 0 {
				length := binary.LittleEndian.Uint16(e[4:6])
				startHi := binary.LittleEndian.Uint16(e[6:8])
				startLo := binary.LittleEndian.Uint32(e[8:12])
				start := uint64(startHi)<<32 | uint64(startLo)
				for b := uint64(0); b < uint64(length&0x7FFF); b++ {
					blocks = append(blocks, start+b)
				}
			} else {
				leafLo := binary.LittleEndian.Uint32(e[4:8])
				leafHi := binary.LittleEndian.Uint16(e[8:10])
				leaf := uint64(leafHi)<<32 | uint64(leafLo)
				child, err := fs.readBlock(leaf)
				if err != nil {
					return err
				}
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(in.blockData[:]); err != nil {
		return nil, err
	}
	return blocks, nil
}

// legacyBlocks walks the classic block pointer scheme, for inodes written
// without the extents flag: the 12 direct pointers and the single-indirect
// block. Double- and triple-indirect blocks are not read.
func (fs *FS) legacyBlocks(in *inode) ([]uint64, error) {
	ptrs := make([]uint32, 15)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(in.blockData[i*4 : i*4+4])
	}
	var blocks []uint64
	for i := 0; i < 12; i++ {
		if ptrs[i] != 0 {
			blocks = append(blocks, uint64(ptrs[i]))
		}
	}
	if ptrs[12] != 0 {
		ind, err := fs.readBlock(uint64(ptrs[12]))
		if err != nil {
			return nil, err
		}
		for i := 0; i+4 <= len(ind); i += 4 {
			b := binary.LittleEndian.Uint32(ind[i : i+4])
			if b != 0 {
				blocks = append(blocks, uint64(b))
			}
		}
	}
	return blocks, nil
}

func (fs *FS) dataBlocks(in *inode) ([]uint64, error) {
	if in.flags&inodeFlagExtents != 0 {
		return fs.extentBlocks(in)
	}
	return fs.legacyBlocks(in)
}

func (fs *FS) readData(in *inode) ([]byte, error) {
	blocks, err := fs.dataBlocks(in)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(blocks)*int(fs.blockSize))
	for _, b := range blocks {
		data, err := fs.readBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if uint64(len(out)) > in.size {
		out = out[:in.size]
	}
	return out, nil
}

type dirent struct {
	inode uint32
	name  string
	isDir bool
}

// readDirEntries parses classic (non-htree) linear directory entry
// blocks: inode, rec_len, name_len, file_type, name.
func (fs *FS) readDirEntries(in *inode) ([]dirent, error) {
	blocks, err := fs.dataBlocks(in)
	if err != nil {
		return nil, err
	}
	var out []dirent
	for _, b := range blocks {
		data, err := fs.readBlock(b)
		if err != nil {
			return nil, err
		}
		off := 0
		for off+8 <= len(data) {
			ino := binary.LittleEndian.Uint32(data[off : off+4])
			recLen := binary.LittleEndian.Uint16(data[off+4 : off+6])
			nameLen := int(data[off+6])
			fileType := data[off+7]
			if recLen < 8 {
				break
			}
			if ino != 0 && off+8+nameLen <= len(data) {
				name := string(data[off+8 : off+8+nameLen])
				if name != "." && name != ".." {
					out = append(out, dirent{inode: ino, name: name, isDir: fileType == ftDirectory})
				}
			}
			off += int(recLen)
		}
	}
	return out, nil
}

func (fs *FS) resolve(p string) (uint32, *inode, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	cur := uint32(rootInode)
	in, err := fs.readInode(cur)
	if err != nil {
		return 0, nil, err
	}
	if p == "" || p == "." {
		return cur, in, nil
	}
	for _, part := range strings.Split(p, "/") {
		entries, err := fs.readDirEntries(in)
		if err != nil {
			return 0, nil, err
		}
		found := false
		for _, e := range entries {
			if e.name == part {
				cur = e.inode
				found = true
				break
			}
		}
		if !found {
			return 0, nil, ErrNotFound
		}
		in, err = fs.readInode(cur)
		if err != nil {
			return 0, nil, err
		}
	}
	return cur, in, nil
}

// GetAttr implements fsrw.Reader.
func (fs *FS) GetAttr(p string) (common.FileType, uint64, int64, error) {
	_, in, err := fs.resolve(p)
	if err != nil {
		return 0, 0, 0, err
	}
	if in.mode&0xF000 == 0x4000 {
		return common.FileTypeDirectory, 0, in.ctime, nil
	}
	return common.FileTypeRegular, in.size, in.ctime, nil
}

// ReadDir implements fsrw.Reader, skipping the lost+found metafile the
// Rust implementation also filters out.
func (fs *FS) ReadDir(p string) ([]common.FileInfo, error) {
	_, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := fs.readDirEntries(in)
	if err != nil {
		return nil, err
	}
	out := make([]common.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.name == "lost+found" {
			continue
		}
		childIn, err := fs.readInode(e.inode)
		if err != nil {
			return nil, err
		}
		ftype := common.FileTypeRegular
		if e.isDir {
			ftype = common.FileTypeDirectory
		}
		out = append(out, common.FileInfo{Path: path.Join(p, e.name), Size: childIn.size, Type: ftype})
	}
	return out, nil
}

// ReadFile implements fsrw.Reader.
func (fs *FS) ReadFile(p string, offset, size uint64) ([]byte, error) {
	_, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if in.mode&0xF000 == 0x4000 {
		return nil, fmt.Errorf("ext4: %s is a directory", p)
	}
	data, err := fs.readData(in)
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
