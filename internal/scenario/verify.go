package scenario

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/usbsas/usbsas/internal/dev2scsi"
	"github.com/usbsas/usbsas/internal/fsrw"
	"github.com/usbsas/usbsas/internal/fsrw/ext4"
	"github.com/usbsas/usbsas/internal/fsrw/fat"
	"github.com/usbsas/usbsas/internal/fsrw/iso9660"
	"github.com/usbsas/usbsas/internal/fsrw/ntfs"
	"github.com/usbsas/usbsas/internal/massstorage"
	"github.com/usbsas/usbsas/internal/proto/common"
)

// partitionReader windows a whole-disk SectorReaderAt down to one
// partition's own byte range, the same adjustment
// scsi2files/massstorage.go's massStorageComm.ReadAt makes for a real
// transfer, so fsrw's New constructors see offset 0 as the partition
// start regardless of where it sits on the backing image.
type partitionReader struct {
	r     fsrw.SectorReaderAt
	start int64 // byte offset of the partition on the backing image
}

func (p partitionReader) ReadAt(buf []byte, off int64) (int, error) {
	return p.r.ReadAt(buf, p.start+off)
}

// readBackDigests opens imagePath as a mock device, locates its first
// partition, mounts it with the fsrw reader matching its probed
// filesystem type, and returns a map of every regular file's path to its
// lowercase hex SHA-256 digest, for comparison against a Scenario's
// Expect.Digests.
func readBackDigests(imagePath string, blockSize uint32) (map[string]string, error) {
	dev, err := massstorage.OpenMock(imagePath, blockSize)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %s for readback: %w", imagePath, err)
	}
	defer dev.Close()

	parts, _, err := dev2scsi.ListPartitions(dev)
	if err != nil {
		return nil, fmt.Errorf("scenario: list partitions of %s: %w", imagePath, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("scenario: no partitions found on %s", imagePath)
	}
	part := parts[0]

	pr := partitionReader{r: massstorage.ReaderAt{Dev: dev}, start: int64(part.Start * uint64(blockSize))}

	var reader fsrw.Reader
	switch part.FsType {
	case common.FsFAT, common.FsExFAT:
		reader, err = fat.New(pr, blockSize)
	case common.FsNTFS:
		reader, err = ntfs.New(pr, blockSize)
	case common.FsExt4:
		reader, err = ext4.New(pr, blockSize)
	case common.FsISO9660:
		reader, err = iso9660.New(pr, blockSize)
	default:
		return nil, fmt.Errorf("scenario: unrecognized filesystem on %s", imagePath)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario: mount %s: %w", imagePath, err)
	}

	digests := make(map[string]string)
	if err := walkDigests(reader, "/", digests); err != nil {
		return nil, err
	}
	return digests, nil
}

// walkDigests recurses ReadDir, hashing every regular file it finds.
func walkDigests(r fsrw.Reader, dir string, out map[string]string) error {
	entries, err := r.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scenario: readdir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Type == common.FileTypeDirectory {
			if err := walkDigests(r, e.Path, out); err != nil {
				return err
			}
			continue
		}
		h := sha256.New()
		var offset uint64
		for offset < e.Size {
			chunk := e.Size - offset
			if chunk > 1<<20 {
				chunk = 1 << 20
			}
			data, err := r.ReadFile(e.Path, offset, chunk)
			if err != nil {
				return fmt.Errorf("scenario: read %s: %w", e.Path, err)
			}
			h.Write(data)
			offset += chunk
		}
		out[e.Path] = hex.EncodeToString(h.Sum(nil))
	}
	return nil
}

// readBackTarDigests opens a tar archive (the clean archive a
// network/command destination ends up with) and returns the same
// path->digest map shape as readBackDigests.
func readBackTarDigests(archivePath string) (map[string]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %s: %w", archivePath, err)
	}
	defer f.Close()
	return digestTarReader(f)
}

// digestTarReader hashes every regular file entry in a tar stream.
func digestTarReader(r io.Reader) (map[string]string, error) {
	digests := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scenario: tar read: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		h := sha256.New()
		if _, err := io.Copy(h, tr); err != nil {
			return nil, fmt.Errorf("scenario: tar hash %s: %w", hdr.Name, err)
		}
		digests["/"+hdr.Name] = hex.EncodeToString(h.Sum(nil))
	}
	return digests, nil
}
