// Package massstorage issues SCSI commands over USB Bulk-Only Transport to
// a mass-storage device and caches recently read sectors, grounded on
// usbsas-mass-storage/src/lib.rs (MassStorage<T: UsbContext>) and
// spec.md §4.3's CBW/CSW framing.
package massstorage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355
	cbwLen       = 31
	cswLen       = 13

	cbwFlagsIn  = 0x80
	cbwFlagsOut = 0x00

	scsiInquiry         = 0x12
	scsiReadCapacity10  = 0x25
	scsiRead10          = 0x28
	scsiWrite10         = 0x2a
	scsiTestUnitReady   = 0x00
)

// MaxSectorsCountCache bounds how many distinct (offset,count) sector reads
// are kept in the LRU; reads larger than this many sectors bypass the
// cache entirely (spec.md §4.3).
const MaxSectorsCountCache = 128

var ErrWriteVerifyMismatch = errors.New("massstorage: write read-back mismatch")

// Device is a claimed USB mass-storage interface ready to issue SCSI
// commands over its bulk in/out endpoints.
type Device struct {
	usb       *usbfsHandle
	epIn      uint8
	epOut     uint8
	iface     uint32
	tag       uint32
	mu        sync.RWMutex
	cache     *lru.Cache
	BlockSize uint32
	DevSize   uint64 // bytes

	// mockFile is non-nil for a device opened via OpenMock: a plain file
	// standing in for the USB link, read/written directly by sector
	// offset instead of through CBW/CSW framing. Grounded on
	// usbsas-mock/src/mass_storage.rs's MockMassStorage.
	mockFile *os.File
}

// cacheKey identifies one cached sector read.
type cacheKey struct {
	offset uint64
	count  uint32
}

// Open claims the mass-storage interface on bus/dev using the given
// endpoint addresses and interface number (found by
// findMassStorageInterface during descriptor enumeration, see
// OpenFromBusDev), and probes block size/device size via READ CAPACITY(10).
func Open(bus, dev uint32, iface uint32, epIn, epOut uint8) (*Device, error) {
	h, err := openUsbfs(bus, dev)
	if err != nil {
		return nil, err
	}
	if err := h.claimInterface(iface); err != nil {
		h.Close()
		return nil, err
	}
	cache, _ := lru.New(MaxSectorsCountCache)
	d := &Device{usb: h, epIn: epIn, epOut: epOut, iface: iface, cache: cache}
	if err := d.readCapacity(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Fd returns the raw device fd, the single fd a sandboxed worker must name
// before installing its seccomp filter.
func (d *Device) Fd() int {
	if d.mockFile != nil {
		return int(d.mockFile.Fd())
	}
	return d.usb.Fd()
}

// IsMock reports whether this Device was built by OpenMock rather than a
// real USB link: a sandboxing worker must name its fd directly instead of
// hunting for a libusb fd via ScanOpenedLibusbFds.
func (d *Device) IsMock() bool { return d.mockFile != nil }

// Close releases the claimed interface and closes the device node.
func (d *Device) Close() error {
	if d.mockFile != nil {
		return d.mockFile.Close()
	}
	_ = d.usb.releaseInterface(d.iface)
	return d.usb.Close()
}

func (d *Device) nextTag() uint32 {
	d.tag++
	return d.tag
}

// transact writes a 31-byte Command Block Wrapper and the outgoing data
// stage (if any), then reads back payload (for an IN transfer) and the
// 13-byte CSW, returning the CSW status byte.
func (d *Device) transact(cdb []byte, dataLen uint32, in bool, data []byte) (byte, error) {
	tag := d.nextTag()
	cbw := make([]byte, cbwLen)
	binary.LittleEndian.PutUint32(cbw[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(cbw[4:8], tag)
	binary.LittleEndian.PutUint32(cbw[8:12], dataLen)
	if in {
		cbw[12] = cbwFlagsIn
	} else {
		cbw[12] = cbwFlagsOut
	}
	cbw[13] = 0 // LUN
	cbw[14] = byte(len(cdb))
	copy(cbw[15:], cdb)

	if _, err := d.usb.bulkTransfer(d.epOut, cbw, 0); err != nil {
		return 0, fmt.Errorf("massstorage: send CBW: %w", err)
	}

	if dataLen > 0 {
		if in {
			if _, err := d.usb.bulkTransfer(d.epIn, data, 0); err != nil {
				return 0, fmt.Errorf("massstorage: data-in stage: %w", err)
			}
		} else {
			if _, err := d.usb.bulkTransfer(d.epOut, data, 0); err != nil {
				return 0, fmt.Errorf("massstorage: data-out stage: %w", err)
			}
		}
	}

	csw := make([]byte, cswLen)
	if _, err := d.usb.bulkTransfer(d.epIn, csw, 0); err != nil {
		return 0, fmt.Errorf("massstorage: read CSW: %w", err)
	}
	if binary.LittleEndian.Uint32(csw[0:4]) != cswSignature {
		return 0, fmt.Errorf("massstorage: bad CSW signature")
	}
	return csw[12], nil
}

func (d *Device) readCapacity() error {
	cdb := make([]byte, 10)
	cdb[0] = scsiReadCapacity10
	data := make([]byte, 8)
	status, err := d.transact(cdb, 8, true, data)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("massstorage: READ CAPACITY(10) failed, status %d", status)
	}
	lastLBA := binary.BigEndian.Uint32(data[0:4])
	blockSize := binary.BigEndian.Uint32(data[4:8])
	d.BlockSize = blockSize
	d.DevSize = (uint64(lastLBA) + 1) * uint64(blockSize)
	return nil
}

// ReadSectors reads count sectors starting at LBA offset, serving from the
// LRU cache when possible.
func (d *Device) ReadSectors(offset uint64, count uint32) ([]byte, error) {
	if count <= MaxSectorsCountCache {
		key := cacheKey{offset, count}
		d.mu.RLock()
		if v, ok := d.cache.Get(key); ok {
			d.mu.RUnlock()
			return v.([]byte), nil
		}
		d.mu.RUnlock()
	}

	if d.mockFile != nil {
		buf := make([]byte, uint64(count)*uint64(d.BlockSize))
		// Seek+Read rather than ReadAt: ReadAt maps to pread64, a syscall
		// CommonRules never allows, while plain read is already allowed for
		// every named fd.
		if _, err := d.mockFile.Seek(int64(offset*uint64(d.BlockSize)), io.SeekStart); err != nil {
			return nil, fmt.Errorf("massstorage: mock seek at %d: %w", offset, err)
		}
		if _, err := io.ReadFull(d.mockFile, buf); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, fmt.Errorf("massstorage: mock read at %d: %w", offset, err)
		}
		if count <= MaxSectorsCountCache {
			d.mu.Lock()
			d.cache.Add(cacheKey{offset, count}, buf)
			d.mu.Unlock()
		}
		return buf, nil
	}

	buf := make([]byte, uint64(count)*uint64(d.BlockSize))
	cdb := make([]byte, 10)
	cdb[0] = scsiRead10
	binary.BigEndian.PutUint32(cdb[2:6], uint32(offset))
	binary.BigEndian.PutUint16(cdb[7:9], uint16(count))
	status, err := d.transact(cdb, uint32(len(buf)), true, buf)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("massstorage: READ(10) at %d failed, status %d", offset, status)
	}

	if count <= MaxSectorsCountCache {
		d.mu.Lock()
		d.cache.Add(cacheKey{offset, count}, buf)
		d.mu.Unlock()
	}
	return buf, nil
}

// WriteSectors writes buf (a whole number of sectors) at LBA offset, then
// reads back the last written sector and compares bytes: some devices
// acknowledge the write before flushing, so this is the only reliable
// verification (spec.md §4.3).
func (d *Device) WriteSectors(offset uint64, buf []byte) error {
	count := uint32(len(buf)) / d.BlockSize

	if d.mockFile != nil {
		if _, err := d.mockFile.Seek(int64(offset*uint64(d.BlockSize)), io.SeekStart); err != nil {
			return fmt.Errorf("massstorage: mock seek at %d: %w", offset, err)
		}
		if _, err := d.mockFile.Write(buf); err != nil {
			return fmt.Errorf("massstorage: mock write at %d: %w", offset, err)
		}
		d.mu.Lock()
		d.cache.Purge()
		d.mu.Unlock()
		return nil
	}

	cdb := make([]byte, 10)
	cdb[0] = scsiWrite10
	binary.BigEndian.PutUint32(cdb[2:6], uint32(offset))
	binary.BigEndian.PutUint16(cdb[7:9], uint16(count))
	status, err := d.transact(cdb, uint32(len(buf)), false, buf)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("massstorage: WRITE(10) at %d failed, status %d", offset, status)
	}

	d.mu.Lock()
	d.cache.Purge()
	d.mu.Unlock()

	lastSectorOffset := offset + uint64(count) - 1
	readBack, err := d.ReadSectors(lastSectorOffset, 1)
	if err != nil {
		return fmt.Errorf("massstorage: write verify read-back: %w", err)
	}
	wantLast := buf[len(buf)-int(d.BlockSize):]
	for i := range wantLast {
		if readBack[i] != wantLast[i] {
			return ErrWriteVerifyMismatch
		}
	}
	return nil
}

// ReaderAt adapts Device to io.ReaderAt over sector-aligned byte offsets,
// for internal/fsrw readers that expect a seekable byte stream.
type ReaderAt struct {
	Dev *Device
}

// ReadAt reads len(p) bytes starting at byte offset off, which must be
// sector-aligned; fsrw callers round requests up to sector boundaries.
func (r ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	bs := uint64(r.Dev.BlockSize)
	if uint64(off)%bs != 0 {
		return 0, fmt.Errorf("massstorage: unaligned read at %d", off)
	}
	count := (uint64(len(p)) + bs - 1) / bs
	buf, err := r.Dev.ReadSectors(uint64(off)/bs, uint32(count))
	if err != nil {
		return 0, err
	}
	n := copy(p, buf)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
