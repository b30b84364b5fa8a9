package scsi2files

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/usbsas/usbsas/internal/comm"
	proto "github.com/usbsas/usbsas/internal/proto/scsi"
)

// maxSectorsCountCache bounds the read-ahead cache the same way
// usbsas-mass-storage/src/lib.rs's MAX_SECTORS_COUNT_CACHE does: only
// small, repeated sector-table reads (superblocks, directory blocks) are
// worth caching, not a file's bulk data.
const maxSectorsCountCache = 8

type scsiComm = comm.Comm[proto.Request, proto.Response]

// massStorageComm proxies sector reads to the dev2scsi child over IPC,
// presenting them as a partition-relative io.ReaderAt so the fsrw readers
// never know they're talking to another process. Grounded on
// MassStorageComm in usbsas-mass-storage/src/lib.rs.
type massStorageComm struct {
	mu                sync.RWMutex
	comm              *scsiComm
	blockSize         uint32
	devSize           uint64
	partitionSecStart uint64
	cache             *lru.Cache
}

type cacheKey struct {
	offset, count uint64
}

func newMassStorageComm(c *scsiComm) *massStorageComm {
	cache, _ := lru.New(1024)
	return &massStorageComm{comm: c, cache: cache}
}

func (m *massStorageComm) readSectors(offset, count uint64) ([]byte, error) {
	if count <= maxSectorsCountCache {
		m.mu.RLock()
		if v, ok := m.cache.Get(cacheKey{offset, count}); ok {
			m.mu.RUnlock()
			return v.([]byte), nil
		}
		m.mu.RUnlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := comm.Send(m.comm, proto.Request{Kind: proto.ReqReadSectors, Offset: offset, Count: uint32(count)}); err != nil {
		return nil, fmt.Errorf("scsi2files: send readsectors: %w", err)
	}
	buf, err := comm.RecvRaw(m.comm)
	if err != nil {
		return nil, fmt.Errorf("scsi2files: recv readsectors: %w", err)
	}
	rep, err := proto.UnmarshalResponse(buf)
	if err != nil {
		return nil, err
	}
	if rep.Kind == proto.RespError {
		return nil, fmt.Errorf("dev2scsi: %s", rep.Error.Message)
	}
	if rep.Kind != proto.RespReadSectors {
		return nil, fmt.Errorf("scsi2files: unexpected response to readsectors")
	}
	if count <= maxSectorsCountCache {
		m.cache.Add(cacheKey{offset, count}, rep.Data)
	}
	return rep.Data, nil
}

// ReadAt implements fsrw.SectorReaderAt: reads are relative to the
// currently-opened partition's start sector, sector-aligned by padding
// out to whole sectors and trimming the unwanted edges, matching
// MassStorageComm's ReadAt impl in usbsas-mass-storage/src/lib.rs.
func (m *massStorageComm) ReadAt(p []byte, off int64) (int, error) {
	blockSize := uint64(m.blockSize)
	readOffset := uint64(off) % blockSize
	count := uint64(len(p))
	sectorsToRead := (readOffset + count + blockSize - 1) / blockSize
	sectorOffset := uint64(off) / blockSize

	data, err := m.readSectors(sectorOffset+m.partitionSecStart, sectorsToRead)
	if err != nil {
		return 0, err
	}
	if readOffset+count > uint64(len(data)) {
		return 0, fmt.Errorf("scsi2files: short sector read")
	}
	n := copy(p, data[readOffset:readOffset+count])
	return n, nil
}

func (m *massStorageComm) end() error {
	if err := comm.Send(m.comm, proto.Request{Kind: proto.ReqEnd}); err != nil {
		return err
	}
	_, err := comm.RecvRaw(m.comm)
	return err
}
