// Package scenario drives a whole usbsas transfer end to end against mock
// USB devices, asserting the produced report and destination file digests
// match a declared expectation, grounded on rclone's fstest/test_all (a
// YAML-configured fleet of runs, each built into a Run and reported on).
package scenario

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Device describes one fake USB mass-storage device to seed for a
// scenario, backed by a pre-built filesystem image.
type Device struct {
	Image        string `yaml:"image"` // path to a raw disk image, copied into a scratch file before each run
	VendorID     uint32 `yaml:"vendor_id"`
	ProductID    uint32 `yaml:"product_id"`
	Manufacturer string `yaml:"manufacturer"`
	Product      string `yaml:"product"`
	Serial       string `yaml:"serial"`
	Description  string `yaml:"description"`
	BlockSize    uint32 `yaml:"block_size"`
}

// Expect is what a scenario asserts about the finished transfer.
type Expect struct {
	Digests  map[string]string `yaml:"digests"`  // relative path -> lowercase hex sha256
	Filtered []string          `yaml:"filtered"`  // paths the name filter must have rejected
	Rejected []string          `yaml:"rejected"`  // paths the analyzer must have flagged dirty
	Status   string            `yaml:"status"`    // substring expected in the report's Status field, "" = don't check
}

// Scenario is one named end-to-end run, grounded on spec.md §8's six
// worked examples.
type Scenario struct {
	Name string `yaml:"name"`

	SrcUSB     *Device `yaml:"src_usb"`
	DstUSB     *Device `yaml:"dst_usb"`
	DstNetwork bool    `yaml:"dst_network"`
	DstCommand bool    `yaml:"dst_command"`

	OutFsType string  `yaml:"out_fs_type"` // "fat", "exfat", "ntfs" — dst_usb only
	Pin       *string `yaml:"pin"`         // set for a network-sourced transfer

	// SrcNetworkArchive is the tar file served to the downloader worker
	// when Pin is set: the fake network source handler streams this file
	// back for any GET and reports its size via HEAD, standing in for the
	// real server usbsas-net/src/downloader.rs fetches from.
	SrcNetworkArchive string `yaml:"src_network_archive"`

	Select []string `yaml:"select"` // paths passed to ReqSelectFiles; defaults to ["/"]
	Filter []string `yaml:"filter"` // [[filters]] contain-substrings, "" = none

	Analyze bool `yaml:"analyze"`

	ImgDisk bool `yaml:"img_disk"` // exercise ReqImgDisk on SrcUSB instead of a full transfer
	Wipe    bool `yaml:"wipe"`     // exercise ReqWipe on DstUSB instead of a full transfer
	Quick   bool `yaml:"quick"`    // ReqWipe's quick flag

	Expect Expect `yaml:"expect"`
}

// Config is a named list of scenarios, one YAML document per suite.
type Config struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadConfig reads and parses a scenario suite file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	return &cfg, nil
}
