package fs2dev

import "github.com/usbsas/usbsas/internal/sparsefile"

// maxWriteSectors caps each SCSI WRITE(10) request: some USB mass-storage
// devices don't support larger buffers (Linux itself writes at most 240
// sectors per write(10) request). Mirrors MAX_WRITE_SECTORS in
// usbsas-fs2dev/src/lib.rs.
const maxWriteSectors = 240

// bitVecIterOnes walks a sparsefile.BitVec's set bits as a sequence of
// contiguous [start, stop) sector runs, each capped at maxWriteSectors
// long, mirroring BitVecIterOnes's Iterator impl.
type bitVecIterOnes struct {
	bv       *sparsefile.BitVec
	pos      int64
	nextStop int64
}

func newBitVecIterOnes(bv *sparsefile.BitVec) *bitVecIterOnes {
	return &bitVecIterOnes{bv: bv}
}

// next returns the next run, or ok=false once every set bit is consumed.
func (it *bitVecIterOnes) next() (start, stop int64, ok bool) {
	n := it.bv.NumSectors()
	indexStart := it.pos
	for indexStart < n && !it.bv.IsSet(indexStart) {
		indexStart++
	}
	if indexStart >= n {
		return 0, 0, false
	}
	if it.nextStop <= indexStart {
		end := indexStart
		for end < n && it.bv.IsSet(end) {
			end++
		}
		it.nextStop = end
	}
	if it.nextStop-indexStart > maxWriteSectors {
		it.pos = indexStart + maxWriteSectors
	} else {
		it.pos = it.nextStop
	}
	return indexStart, it.pos, true
}
