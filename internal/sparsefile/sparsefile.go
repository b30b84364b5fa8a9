// Package sparsefile implements files2fs's write-tracking wrapper around
// the destination image file: every write is passed straight through to
// the underlying file, while a bit vector records which sectors actually
// received data, so fs2dev can later skip the untouched (implicitly
// zero) ones. Grounded on usbsas-files2fs's unretrieved sparsefile.rs,
// inferred from its call sites in usbsas-files2fs/src/lib.rs
// (SparseFile::new, get_bitvec, FileBitVec::chunks).
package sparsefile

import (
	"fmt"
	"io"
	"os"
)

// SparseFile wraps an *os.File, tracking which fixed-size sectors have
// been written at least once.
type SparseFile struct {
	f          *os.File
	sectorSize int64
	numSectors int64
	written    []bool
	off        int64
}

// New wraps f, sized to hold numSectors sectors of sectorSize bytes each.
// The file is truncated (sparsely) to its full size up front so later
// seeks past the current end never implicitly extend it file-hole-free.
func New(f *os.File, sectorSize int64, numSectors int64) (*SparseFile, error) {
	if err := f.Truncate(sectorSize * numSectors); err != nil {
		return nil, fmt.Errorf("sparsefile: truncate: %w", err)
	}
	return &SparseFile{f: f, sectorSize: sectorSize, numSectors: numSectors, written: make([]bool, numSectors)}, nil
}

// Seek implements io.Seeker.
func (s *SparseFile) Seek(offset int64, whence int) (int64, error) {
	n, err := s.f.Seek(offset, whence)
	if err != nil {
		return n, err
	}
	s.off = n
	return n, nil
}

// Write implements io.Writer, marking every sector the write touches.
func (s *SparseFile) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if n > 0 {
		first := s.off / s.sectorSize
		last := (s.off + int64(n) - 1) / s.sectorSize
		for sec := first; sec <= last && sec < s.numSectors; sec++ {
			s.written[sec] = true
		}
		s.off += int64(n)
	}
	return n, err
}

// Read implements io.Reader, for writers that need to read back what
// they've already written (e.g. FAT table read-modify-write).
func (s *SparseFile) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	s.off += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt without disturbing the current offset.
func (s *SparseFile) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

// Close closes the underlying file.
func (s *SparseFile) Close() error { return s.f.Close() }

// BitVec returns the write bitmap: one bit per sector, bit set if that
// sector was written at least once.
func (s *SparseFile) BitVec() *BitVec {
	packed := make([]byte, (s.numSectors+7)/8)
	for i, w := range s.written {
		if w {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	return &BitVec{bits: packed, numSectors: s.numSectors}
}

// BitVec is the serialized write bitmap forwarded to fs2dev over the
// ForwardBitVec state, one set bit per sector actually written.
type BitVec struct {
	bits       []byte
	numSectors int64
}

// NewBitVec reconstructs a BitVec from its packed bytes, as received in
// chunks over IPC by fs2dev (the producer side lives in SparseFile.BitVec;
// the consumer side only has the raw bytes, appended chunk by chunk).
func NewBitVec(bits []byte, numSectors int64) *BitVec {
	return &BitVec{bits: bits, numSectors: numSectors}
}

// NumSectors is the bitmap's sector count (its logical length; Bytes may
// be longer by up to 7 padding bits).
func (b *BitVec) NumSectors() int64 { return b.numSectors }

// Bytes returns the raw packed bitmap.
func (b *BitVec) Bytes() []byte { return b.bits }

// IsSet reports whether sector i was written.
func (b *BitVec) IsSet(i int64) bool {
	if i < 0 || i >= b.numSectors {
		return false
	}
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// Chunks splits the packed bitmap into pieces of at most n bytes each,
// mirroring bitvec::BitVec::chunks used to cap each ForwardBitVec
// protobuf frame at 10MiB.
func (b *BitVec) Chunks(n int) [][]byte {
	var out [][]byte
	for start := 0; start < len(b.bits); start += n {
		end := start + n
		if end > len(b.bits) {
			end = len(b.bits)
		}
		out = append(out, b.bits[start:end])
	}
	if len(out) == 0 {
		out = [][]byte{{}}
	}
	return out
}

var _ io.ReadWriteSeeker = (*SparseFile)(nil)
