// Package config loads the TOML application configuration the orchestrator
// and several workers read at startup: output directory, filter rules,
// destination network/command definitions, analyzer settings, report
// policy, post-copy command, and USB port allowlists (spec.md §6).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// FilterRule is one entry of the [[filters]] array. The original Rust
// Rule only carries contain/start/end; this spec additionally names an
// exact match, so it is added here as a fourth optional matcher.
type FilterRule struct {
	Contain []string `toml:"contain"`
	Start   string   `toml:"start"`
	End     string   `toml:"end"`
	Exact   string   `toml:"exact"`
}

// NetworkDest is one entry of the [[networks]] array.
type NetworkDest struct {
	URL           string `toml:"url"`
	KrbServiceName string `toml:"krb_service_name"`
	Title         string `toml:"title"`
	Description   string `toml:"description"`
	SrcAllowed    bool   `toml:"src_allowed"`
	DstAllowed    bool   `toml:"dst_allowed"`
}

// CommandDest describes the [command] destination binary and argv.
type CommandDest struct {
	Bin  string   `toml:"bin"`
	Args []string `toml:"args"`
}

// Analyzer is the [analyzer] table.
type Analyzer struct {
	URL            string `toml:"url"`
	KrbServiceName string `toml:"krb_service_name"`
	AnalyzeUSB     bool   `toml:"analyze_usb"`
	AnalyzeNet     bool   `toml:"analyze_net"`
	AnalyzeCmd     bool   `toml:"analyze_cmd"`
}

// Report is the [report] table.
type Report struct {
	WriteLocal string `toml:"write_local"` // directory, empty = disabled
	WriteDest  bool   `toml:"write_dest"`
}

// PostCopy is the [post_copy] table: an optional command run after a
// successful transfer, told whether the destination was a filesystem or a
// tar archive.
type PostCopy struct {
	CommandBin  string   `toml:"command_bin"`
	CommandArgs []string `toml:"command_args"`
}

// Identificator is the [identificator] table: the external command that
// produces the operator's user id, one line on stdout. Empty Bin falls back
// to the USBSAS_USERID environment variable, standing in for the hardware
// badge/smartcard reader a production deployment would wire instead.
type Identificator struct {
	Bin  string   `toml:"bin"`
	Args []string `toml:"args"`
}

// UsbPortAccesses is the [usb_port_accesses] table: udev devpath component
// chains an attached USB device's own devpath is matched against to decide
// src_allowed/dst_allowed.
type UsbPortAccesses struct {
	PortsSrc []string `toml:"ports_src"`
	PortsDst []string `toml:"ports_dst"`
}

// Config is the full parsed TOML application configuration.
type Config struct {
	OutDirectory    string          `toml:"out_directory"`
	KeepTmpFiles    bool            `toml:"keep_tmp_files"`
	Lang            string          `toml:"lang"`
	Message         string          `toml:"message"`
	WindowTitle     string          `toml:"window_title"`
	Filters         []FilterRule    `toml:"filters"`
	Networks        []NetworkDest   `toml:"networks"`
	SourceNetwork   *NetworkDest    `toml:"source_network"`
	Command         CommandDest     `toml:"command"`
	SrcLocalDirs    []string        `toml:"src_local_dirs"`
	Analyzer        Analyzer        `toml:"analyzer"`
	Report          Report          `toml:"report"`
	PostCopy        PostCopy        `toml:"post_copy"`
	Identificator   Identificator   `toml:"identificator"`
	UsbPortAccesses UsbPortAccesses `toml:"usb_port_accesses"`
}

// Load reads and validates a TOML configuration file at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if c.OutDirectory == "" {
		return nil, fmt.Errorf("config: out_directory is required")
	}
	return &c, nil
}
