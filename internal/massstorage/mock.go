package massstorage

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"
)

// OpenMock builds a Device backed by a plain file instead of a real USB
// link: ReadSectors/WriteSectors seek and read/write the file directly,
// bypassing CBW/CSW framing entirely. Grounded on
// usbsas-mock/src/mass_storage.rs's MockMassStorage, used by
// cmd/usbsas-dev2scsi's --mock-image flag to drive the six scenarios of
// internal/scenario without a physical device attached.
func OpenMock(path string, blockSize uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("massstorage: open mock image %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("massstorage: stat mock image %s: %w", path, err)
	}
	cache, _ := lru.New(MaxSectorsCountCache)
	return &Device{
		mockFile:  f,
		cache:     cache,
		BlockSize: blockSize,
		DevSize:   uint64(fi.Size()),
	}, nil
}
