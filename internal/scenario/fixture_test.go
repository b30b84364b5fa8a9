package scenario

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbsas/usbsas/internal/files2fs"
	"github.com/usbsas/usbsas/internal/sparsefile"
)

// buildFATImage formats a small FAT32 volume at path with the given files
// (relative path -> content), entirely through files2fs's own writer, so
// tests exercising readBackDigests don't depend on an externally supplied
// disk image.
func buildFATImage(t *testing.T, path string, files map[string][]byte) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)

	const sectorSize = 512
	const numSectors = 65536 // 32MiB, comfortably larger than FAT32's minimum

	dev, err := sparsefile.New(f, sectorSize, numSectors)
	require.NoError(t, err)

	fw, err := files2fs.Mkfs(dev, numSectors, files2fs.FsFormatFAT)
	require.NoError(t, err)

	for path, data := range files {
		fh, err := fw.NewFile(path, 0)
		require.NoError(t, err)
		require.NoError(t, fh.Write(data))
		require.NoError(t, fh.Close())
	}

	require.NoError(t, dev.Close())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestReadBackDigests(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "dst.img")

	files := map[string][]byte{
		"/report.pdf": []byte("pretend pdf bytes"),
		"/notes.txt":  []byte("hello from usbsas"),
	}
	buildFATImage(t, imgPath, files)

	got, err := readBackDigests(imgPath, mockBlockSize)
	require.NoError(t, err)

	for path, data := range files {
		require.Contains(t, got, path)
		require.Equal(t, sha256Hex(data), got[path])
	}
}

func TestResultCheckDigestsAgainstRealImage(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "dst.img")

	content := []byte("digest check content")
	buildFATImage(t, imgPath, map[string][]byte{"/a.txt": content})

	got, err := readBackDigests(imgPath, mockBlockSize)
	require.NoError(t, err)

	r := &Result{Name: "real-image"}
	r.checkDigests(map[string]string{"/a.txt": sha256Hex(content)}, got)
	r.finish()
	require.True(t, r.Passed, "%v", r.Failures)
}
