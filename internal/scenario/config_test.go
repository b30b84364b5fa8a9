package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSuite = `
scenarios:
  - name: usb-to-usb-fat-to-ntfs
    src_usb:
      image: src.img
      vendor_id: 0x0781
      product_id: 0x5581
      manufacturer: SanDisk
      product: Cruzer
      serial: "111111"
    dst_usb:
      image: dst.img
      vendor_id: 0x0951
      product_id: 0x1666
      manufacturer: Kingston
      product: DataTraveler
      serial: "222222"
    out_fs_type: ntfs
    analyze: true
    expect:
      status: done
      digests:
        /report.pdf: deadbeef

  - name: wipe-usb-quick-ntfs
    dst_usb:
      image: dst.img
      vendor_id: 0x0951
      product_id: 0x1666
    out_fs_type: ntfs
    wipe: true
    quick: true
    expect:
      status: done
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSuite), 0o640))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Scenarios, 2)

	first := cfg.Scenarios[0]
	assert.Equal(t, "usb-to-usb-fat-to-ntfs", first.Name)
	require.NotNil(t, first.SrcUSB)
	require.NotNil(t, first.DstUSB)
	assert.Equal(t, "SanDisk", first.SrcUSB.Manufacturer)
	assert.Equal(t, "ntfs", first.OutFsType)
	assert.True(t, first.Analyze)
	assert.Equal(t, "done", first.Expect.Status)
	assert.Equal(t, "deadbeef", first.Expect.Digests["/report.pdf"])

	second := cfg.Scenarios[1]
	assert.True(t, second.Wipe)
	assert.True(t, second.Quick)
	assert.Nil(t, second.SrcUSB)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
