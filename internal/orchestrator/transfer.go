package orchestrator

import (
	"sort"

	"github.com/usbsas/usbsas/internal/proto/common"
)

// TransferFiles accumulates the outcome of file selection, staging and
// analysis, grounded on usbsas-usbsas/src/lib.rs's TransferFiles.
type TransferFiles struct {
	Files       []string
	Directories []string
	Errors      []string
	Dirty       []string
	Filtered    []string
}

// NewTransferFiles returns an empty TransferFiles, mirroring
// TransferFiles::new().
func NewTransferFiles() TransferFiles { return TransferFiles{} }

// Sort orders Files, Directories and Errors (Dirty and Filtered keep their
// insertion order), for deterministic archive layout (the original
// sorts files/directories/errors right after selected_to_filtered_files).
func (f *TransferFiles) Sort() {
	sort.Strings(f.Files)
	sort.Strings(f.Directories)
	sort.Strings(f.Errors)
}

// Transfer is the single live transfer's working state, carried between
// every orchestrator state, grounded on usbsas-usbsas/src/lib.rs's
// Transfer struct.
type Transfer struct {
	Src    *common.Device
	Dst    *common.Device
	UserID string

	OutFsType    *common.FsType
	MaxDstSize   *uint64
	SelectedSize *uint64

	Analyze bool
	Files   TransferFiles
}

// TransferReport is the JSON document written to the destination and/or
// local report directory, grounded on usbsas-usbsas/src/lib.rs's
// report()/report_diskimg()/report_wipe() functions.
type TransferReport struct {
	Timestamp   int64    `json:"timestamp"`
	UserID      string   `json:"user_id"`
	Status      string   `json:"status"` // "success" or an error summary
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Files       []string `json:"files,omitempty"`
	Directories []string `json:"directories,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	Dirty       []string `json:"dirty,omitempty"`
	Filtered    []string `json:"filtered,omitempty"`
}
