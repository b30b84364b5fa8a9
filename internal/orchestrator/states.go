package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/filter"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/proto/common"
	fs2devpb "github.com/usbsas/usbsas/internal/proto/fs2dev"
	usbsaspb "github.com/usbsas/usbsas/internal/proto/usbsas"
)

// writeLocalReport writes report as JSON to the configured local reports
// directory, independent of whether it was also written to the
// destination, mirroring report.write_local (spec.md §6).
func (o *Orchestrator) writeLocalReport(report *TransferReport) {
	if o.Config.Report.WriteLocal == "" || report == nil {
		return
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		ulog.Errorf("orchestrator", "marshal local report: %v", err)
		return
	}
	path := filepath.Join(o.Config.Report.WriteLocal, "usbsas_"+o.Session.ID+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		ulog.Errorf("orchestrator", "write local report %s: %v", path, err)
	}
}

// readFileMaxSize bounds how much of a file is requested from a source
// reader per ReadFile/ReadSectors round trip, grounded on
// usbsas-usbsas/src/lib.rs's READ_FILE_MAX_SIZE.
const readFileMaxSize = 1 << 20

func fsTypeToString(t common.FsType) string {
	switch t {
	case common.FsExFAT:
		return "exfat"
	case common.FsNTFS:
		return "ntfs"
	default:
		return "fat"
	}
}

func buildReport(transfer *Transfer, status string) *TransferReport {
	return &TransferReport{
		Timestamp:   time.Now().Unix(),
		UserID:      transfer.UserID,
		Status:      status,
		Source:      transfer.Src.Title(),
		Destination: transfer.Dst.Title(),
		Files:       transfer.Files.Files,
		Directories: transfer.Files.Directories,
		Errors:      transfer.Files.Errors,
		Dirty:       transfer.Files.Dirty,
		Filtered:    transfer.Files.Filtered,
	}
}

func nonEmptyDirs(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d != "" && d != "/" {
			out = append(out, d)
		}
	}
	return out
}

func buildFilterRules(o *Orchestrator) filter.Rules {
	rules := make([]filter.Rule, len(o.Config.Filters))
	for i, f := range o.Config.Filters {
		rules[i] = filter.Rule{Contain: f.Contain, Start: f.Start, End: f.End, Exact: f.Exact}
	}
	return filter.New(rules)
}

// -- Init ---------------------------------------------------------------

type initState struct{}

func (initState) run(o *Orchestrator) (State, error) {
	var userID string
	for {
		buf, err := comm.RecvRaw(o.Client)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: init recv: %w", err)
		}
		req, err := usbsaspb.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: init decode: %w", err)
		}
		switch req.Kind {
		case usbsaspb.ReqUserId:
			uid, err := o.userID()
			if err != nil {
				return nil, err
			}
			userID = uid
		case usbsaspb.ReqDevices:
			if err := o.devicesReply(req.IncludeAlt); err != nil {
				return nil, err
			}
		case usbsaspb.ReqInitTransfer:
			outFsType, err := initChecks(o, req, userID)
			if err != nil {
				if serr := o.sendClientError(err); serr != nil {
					return nil, serr
				}
				continue
			}
			return initTransfer(o, req, userID, outFsType)
		case usbsaspb.ReqImgDisk:
			dev, ok := o.Devices.TakeUSB(req.Id)
			if !ok {
				if serr := o.sendClientError(fmt.Errorf("no matching device for imaging")); serr != nil {
					return nil, serr
				}
				continue
			}
			return imgDiskState{device: dev}, nil
		case usbsaspb.ReqWipe:
			dev, ok := o.Devices.TakeUSB(req.Id)
			if !ok {
				return nil, fmt.Errorf("orchestrator: no matching device for wipe")
			}
			return wipeState{device: dev, quick: req.Quick, fsType: req.WipeFsType}, nil
		case usbsaspb.ReqEnd:
			o.Children.EndWaitAll()
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespEnd}); err != nil {
				return nil, err
			}
			return exitState{}, nil
		default:
			if err := o.sendClientError(fmt.Errorf("unexpected request in init state")); err != nil {
				return nil, err
			}
		}
	}
}

// initChecks validates an InitTransfer request, mirroring
// InitState::init_checks.
func initChecks(o *Orchestrator, req usbsaspb.Request, userID string) (*common.FsType, error) {
	src, ok := o.Devices[req.Source]
	if !ok {
		return nil, fmt.Errorf("unknown source device")
	}
	dst, ok := o.Devices[req.Destination]
	if !ok {
		return nil, fmt.Errorf("unknown destination device")
	}
	if userID == "" {
		return nil, fmt.Errorf("Unidentified")
	}
	if !src.IsSrc() {
		return nil, fmt.Errorf("selected source device error")
	}
	if !dst.IsDst() {
		return nil, fmt.Errorf("selected destination device error")
	}
	if src.Kind == common.DeviceNetwork && req.Pin == nil {
		return nil, fmt.Errorf("transfer from network requested without pin")
	}
	if src.Kind == common.DeviceNetwork && dst.Kind == common.DeviceNetwork {
		return nil, fmt.Errorf("network to network transfer not supported")
	}
	if dst.Kind == common.DeviceUSB {
		if req.FsType == nil {
			return nil, fmt.Errorf("USB destination requested but no fstype specified")
		}
		return req.FsType, nil
	}
	return nil, nil
}

// initTransfer builds the Transfer and dispatches to the first reading
// state, mirroring InitState::init_transfer.
func initTransfer(o *Orchestrator, req usbsaspb.Request, userID string, outFsType *common.FsType) (State, error) {
	src := o.Devices[req.Source]
	dst := o.Devices[req.Destination]
	delete(o.Devices, req.Source)
	delete(o.Devices, req.Destination)

	var maxDstSize *uint64
	if dst.Kind == common.DeviceUSB {
		if err := fs2devUnlock(o.Children.Fs2Dev, dst.Usb.Bus, dst.Usb.Dev); err != nil {
			return nil, err
		}
		devSize, err := fs2devDevSize(o.Children.Fs2Dev)
		if err != nil {
			return nil, err
		}
		dst.Usb.Size = devSize
		m := devSize * 95 / 100 // keep headroom for filesystem metadata
		maxDstSize = &m
	} else {
		if err := fs2devUnlock(o.Children.Fs2Dev, 0, 0); err != nil {
			return nil, err
		}
	}

	analyze := false
	if o.Config.Analyzer.URL != "" && src.Kind == common.DeviceUSB {
		switch dst.Kind {
		case common.DeviceUSB:
			analyze = o.Config.Analyzer.AnalyzeUSB
		case common.DeviceNetwork:
			analyze = o.Config.Analyzer.AnalyzeNet
		case common.DeviceCommand:
			analyze = o.Config.Analyzer.AnalyzeCmd
		}
	}

	transfer := &Transfer{
		Src: src, Dst: dst, UserID: userID, OutFsType: outFsType,
		MaxDstSize: maxDstSize, Analyze: analyze, Files: NewTransferFiles(),
	}

	if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespInitTransfer}); err != nil {
		return nil, err
	}

	switch src.Kind {
	case common.DeviceNetwork:
		pin := ""
		if req.Pin != nil {
			pin = *req.Pin
		}
		return downloadSrcState{transfer: transfer, pin: pin}, nil
	case common.DeviceUSB:
		return openSrcUsbState{transfer: transfer}, nil
	default:
		return nil, fmt.Errorf("source device unsupported")
	}
}

// -- OpenSrcUsb -----------------------------------------------------------

type openSrcUsbState struct{ transfer *Transfer }

func (s openSrcUsbState) run(o *Orchestrator) (State, error) {
	blockSize, devSize, err := filesOpenDevice(o.Children.Scsi2Files, s.transfer.Src.Usb.Bus, s.transfer.Src.Usb.Dev)
	if err != nil {
		return nil, err
	}
	s.transfer.Src.Usb.BlockSize = uint32(blockSize)
	s.transfer.Src.Usb.Size = devSize

	for {
		buf, err := comm.RecvRaw(o.Client)
		if err != nil {
			return nil, err
		}
		req, err := usbsaspb.UnmarshalRequest(buf)
		if err != nil {
			return nil, err
		}
		switch req.Kind {
		case usbsaspb.ReqPartitions:
			parts, err := filesPartitions(o.Children.Scsi2Files)
			if err != nil {
				if serr := o.sendClientError(err); serr != nil {
					return nil, serr
				}
				continue
			}
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespPartitions, Partitions: parts}); err != nil {
				return nil, err
			}
		case usbsaspb.ReqOpenPartition:
			if err := filesOpenPartition(o.Children.Scsi2Files, req.Index); err != nil {
				if serr := o.sendClientError(err); serr != nil {
					return nil, serr
				}
				continue
			}
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespOpenPartition}); err != nil {
				return nil, err
			}
			return browseSrcState{transfer: s.transfer}, nil
		case usbsaspb.ReqEnd:
			o.Children.EndWaitAll()
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespEnd}); err != nil {
				return nil, err
			}
			return exitState{}, nil
		default:
			if err := o.sendClientError(fmt.Errorf("unexpected request opening source")); err != nil {
				return nil, err
			}
		}
	}
}

// -- BrowseSrc --------------------------------------------------------------

type browseSrcState struct{ transfer *Transfer }

func (s browseSrcState) run(o *Orchestrator) (State, error) {
	srcReader := o.Children.Scsi2Files
	for {
		buf, err := comm.RecvRaw(o.Client)
		if err != nil {
			return nil, err
		}
		req, err := usbsaspb.UnmarshalRequest(buf)
		if err != nil {
			return nil, err
		}
		switch req.Kind {
		case usbsaspb.ReqReadDir:
			files, err := filesReadDir(srcReader, req.Path)
			if err != nil {
				if serr := o.sendClientError(err); serr != nil {
					return nil, serr
				}
				continue
			}
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespReadDir, Files: files}); err != nil {
				return nil, err
			}
		case usbsaspb.ReqGetAttr:
			ftype, size, ts, err := filesGetAttr(srcReader, req.Path)
			if err != nil {
				if serr := o.sendClientError(err); serr != nil {
					return nil, serr
				}
				continue
			}
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespGetAttr, FType: ftype, Size: size, Timestamp: ts}); err != nil {
				return nil, err
			}
		case usbsaspb.ReqSelectFiles:
			return fileSelectionState{transfer: s.transfer, selected: req.Selected}, nil
		case usbsaspb.ReqEnd:
			o.Children.EndWaitAll()
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespEnd}); err != nil {
				return nil, err
			}
			return exitState{}, nil
		default:
			if err := o.sendClientError(fmt.Errorf("unexpected request browsing source")); err != nil {
				return nil, err
			}
		}
	}
}

// -- DownloadSrc --------------------------------------------------------------

type downloadSrcState struct {
	transfer *Transfer
	pin      string
}

func (s downloadSrcState) run(o *Orchestrator) (State, error) {
	remotePath := s.transfer.UserID + "/" + s.pin
	size, err := downloaderArchiveInfos(o.Children.Downloader, remotePath)
	if err != nil {
		return nil, err
	}
	if s.transfer.MaxDstSize != nil && size > *s.transfer.MaxDstSize {
		return nil, fmt.Errorf("files to download would be larger than destination size, aborting transfer")
	}
	if err := o.downloaderDownloadStatusLoop(); err != nil {
		return nil, err
	}
	return fileSelectionState{transfer: s.transfer, selected: []string{"/"}}, nil
}

// -- FileSelection ------------------------------------------------------------

type fileSelectionState struct {
	transfer *Transfer
	selected []string
}

func (s fileSelectionState) run(o *Orchestrator) (State, error) {
	transfer := s.transfer

	selSize, err := o.selectedToFilteredFiles(transfer, s.selected)
	if err != nil {
		return nil, err
	}
	transfer.SelectedSize = &selSize
	if transfer.MaxDstSize != nil && selSize > *transfer.MaxDstSize {
		return nil, fmt.Errorf("destination too small for selection")
	}

	if transfer.Src.Kind != common.DeviceNetwork {
		if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespSelectFiles, SelectedSize: selSize}); err != nil {
			return nil, err
		}
		if err := o.tarSrcFiles(transfer); err != nil {
			return nil, err
		}
	}

	if len(transfer.Files.Files) == 0 {
		if serr := o.sendClientError(fmt.Errorf("nothing to copy")); serr != nil {
			return nil, serr
		}
		report := buildReport(transfer, "Aborted, nothing to copy")
		o.writeLocalReport(report)
		return endState{report: report}, nil
	}

	unlockVal := cmdexecUnlockUseTar
	if transfer.Analyze {
		unlockVal = cmdexecUnlockUseClean
	}
	if err := cmdexecUnlock(o.Children.Cmdexec, unlockVal); err != nil {
		return nil, err
	}

	if transfer.Analyze {
		return analyzeState{transfer: transfer}, nil
	}
	return writeDstFileState{transfer: transfer}, nil
}

// selectedToFilteredFiles BFS-expands the client's selection into
// transfer.Files and returns the total byte size of every selected
// regular file, mirroring FileSelectionState::selected_to_filtered_files.
func (o *Orchestrator) selectedToFilteredFiles(transfer *Transfer, selected []string) (uint64, error) {
	var maxFileSize *uint64
	if transfer.OutFsType != nil && *transfer.OutFsType == common.FsFAT {
		m := uint64(0xFFFFFFFF)
		maxFileSize = &m
	}

	srcReader := o.Children.Scsi2Files
	if transfer.Src.Kind == common.DeviceNetwork {
		if err := tar2filesUnlock(o.Children.Tar2Files, true); err != nil {
			return 0, err
		}
		o.Children.tar2filesUnlocked = true
		srcReader = o.Children.Tar2Files
	}

	rules := buildFilterRules(o)
	seen := make(map[string]bool)
	queue := append([]string{}, selected...)
	var total uint64

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		if seen[path] {
			continue
		}
		seen[path] = true
		if transfer.Src.Kind == common.DeviceNetwork && path == "/config.json" {
			continue
		}

		ftype, size, _, err := filesGetAttr(srcReader, path)
		if err != nil {
			transfer.Files.Errors = append(transfer.Files.Errors, path)
			continue
		}
		switch ftype {
		case common.FileTypeRegular:
			if maxFileSize != nil && size > *maxFileSize {
				transfer.Files.Errors = append(transfer.Files.Errors, path)
				continue
			}
			if rules.MatchAll(path) == filter.PathFiltered {
				transfer.Files.Filtered = append(transfer.Files.Filtered, path)
				continue
			}
			transfer.Files.Files = append(transfer.Files.Files, path)
			total += size
		case common.FileTypeDirectory:
			if rules.MatchAll(path) == filter.PathFiltered {
				transfer.Files.Filtered = append(transfer.Files.Filtered, path)
				continue
			}
			transfer.Files.Directories = append(transfer.Files.Directories, path)
			children, err := filesReadDir(srcReader, path)
			if err != nil {
				transfer.Files.Errors = append(transfer.Files.Errors, path)
				continue
			}
			for _, c := range children {
				queue = append(queue, c.Path)
			}
		default:
			transfer.Files.Errors = append(transfer.Files.Errors, path)
		}
	}

	transfer.Files.Sort()
	return total, nil
}

// tarSrcFiles stages every selected directory then file into the primary
// archive read from scsi2files, mirroring FileSelectionState::tar_src_files.
// Per-file failures are recorded in transfer.Files.Errors rather than
// aborting the whole selection.
func (o *Orchestrator) tarSrcFiles(transfer *Transfer) error {
	srcReader := o.Children.Scsi2Files
	var total uint64
	if transfer.SelectedSize != nil {
		total = *transfer.SelectedSize
	}
	var current uint64

	for _, dir := range nonEmptyDirs(transfer.Files.Directories) {
		_, _, ts, err := filesGetAttr(srcReader, dir)
		if err != nil {
			transfer.Files.Errors = append(transfer.Files.Errors, dir)
			continue
		}
		if err := tarNewFile(o.Children.Files2Tar, dir, common.FileTypeDirectory, 0, ts); err != nil {
			transfer.Files.Errors = append(transfer.Files.Errors, dir)
			continue
		}
		if err := tarEndFile(o.Children.Files2Tar); err != nil {
			transfer.Files.Errors = append(transfer.Files.Errors, dir)
		}
	}

	for _, path := range transfer.Files.Files {
		if err := o.fileToTar(srcReader, path, &current, total); err != nil {
			ulog.Errorf("orchestrator", "couldn't stage file %s: %v", path, err)
			transfer.Files.Errors = append(transfer.Files.Errors, path)
		}
	}
	return nil
}

func (o *Orchestrator) fileToTar(srcReader *scsiChild, path string, current *uint64, total uint64) error {
	_, size, ts, err := filesGetAttr(srcReader, path)
	if err != nil {
		return err
	}
	if err := tarNewFile(o.Children.Files2Tar, path, common.FileTypeRegular, size, ts); err != nil {
		return err
	}
	var offset uint64
	remaining := size
	for remaining > 0 {
		chunk := remaining
		if chunk > readFileMaxSize {
			chunk = readFileMaxSize
		}
		data, err := filesReadFile(srcReader, path, offset, chunk)
		if err != nil {
			return err
		}
		if err := tarWriteFile(o.Children.Files2Tar, data); err != nil {
			return err
		}
		offset += chunk
		remaining -= chunk
		*current += chunk
		if err := o.sendStatus(*current, total, false, usbsaspb.StatusReadSrc); err != nil {
			return err
		}
	}
	return tarEndFile(o.Children.Files2Tar)
}

// -- Analyze ------------------------------------------------------------------

type analyzeState struct{ transfer *Transfer }

func (s analyzeState) run(o *Orchestrator) (State, error) {
	transfer := s.transfer
	clean, dirty, err := o.analyzerAnalyze(transfer.UserID)
	if err != nil {
		if serr := o.sendClientError(err); serr != nil {
			return nil, serr
		}
		report := buildReport(transfer, "Error analyzing files")
		o.writeLocalReport(report)
		return endState{report: report}, nil
	}
	if err := o.sendStatus(0, 0, false, usbsaspb.StatusAnalyze); err != nil {
		return nil, err
	}

	cleanSet := make(map[string]bool, len(clean))
	for _, c := range clean {
		cleanSet[c] = true
	}
	dirtySet := make(map[string]bool, len(dirty))
	for _, d := range dirty {
		dirtySet[d] = true
	}

	kept := transfer.Files.Files[:0:0]
	for _, f := range transfer.Files.Files {
		trimmed := strings.TrimPrefix(f, "/")
		switch {
		case cleanSet[trimmed] || cleanSet[f]:
			kept = append(kept, f)
		case dirtySet[trimmed] || dirtySet[f]:
			transfer.Files.Dirty = append(transfer.Files.Dirty, f)
		default:
			transfer.Files.Errors = append(transfer.Files.Errors, f)
		}
	}
	transfer.Files.Files = kept

	if len(transfer.Files.Files) == 0 {
		if serr := o.sendClientError(fmt.Errorf("nothing to copy after analyzer, aborting")); serr != nil {
			return nil, serr
		}
		report := buildReport(transfer, "Aborted, nothing to copy after analysis")
		o.writeLocalReport(report)
		return endState{report: report}, nil
	}

	if err := o.sendStatus(0, 0, true, usbsaspb.StatusAnalyze); err != nil {
		return nil, err
	}
	return writeDstFileState{transfer: transfer}, nil
}

// -- WriteDstFile ---------------------------------------------------------

type writeDstFileState struct{ transfer *Transfer }

func (s writeDstFileState) run(o *Orchestrator) (State, error) {
	transfer := s.transfer
	dstIsFs := transfer.Dst.Kind == common.DeviceUSB
	statusTag := usbsaspb.StatusMkArchive
	if dstIsFs {
		statusTag = usbsaspb.StatusMkFs
		if transfer.Dst.Usb.Size == 0 || transfer.OutFsType == nil {
			return nil, fmt.Errorf("missing device size or filesystem type for usb destination")
		}
		if err := fsSetInfos(o, fsTypeToString(*transfer.OutFsType), transfer.Dst.Usb.Size, 0, 0); err != nil {
			return nil, err
		}
	}

	if !o.Children.tar2filesUnlocked {
		if err := tar2filesUnlock(o.Children.Tar2Files, true); err != nil {
			return nil, err
		}
		o.Children.tar2filesUnlocked = true
	}

	var total uint64
	if transfer.SelectedSize != nil {
		total = *transfer.SelectedSize
	}
	var current uint64
	paths := append(append([]string{}, nonEmptyDirs(transfer.Files.Directories)...), transfer.Files.Files...)
	for _, path := range paths {
		if err := o.fileToDst(transfer, path, dstIsFs, &current, total, statusTag); err != nil {
			ulog.Errorf("orchestrator", "couldn't copy file %s: %v", path, err)
			transfer.Files.Errors = append(transfer.Files.Errors, path)
		}
	}

	if o.Config.Report.WriteDest {
		report := buildReport(transfer, "success")
		if dstIsFs {
			if err := o.writeReportFs(report, fmt.Sprintf("/usbsas-report-%d.json", time.Now().Unix())); err != nil {
				return nil, err
			}
		} else {
			if err := o.writeReportTar(o.Children.Files2CleanTar, report, "config.json"); err != nil {
				return nil, err
			}
		}
	}

	if dstIsFs {
		if err := fsClose(o); err != nil {
			return nil, err
		}
	} else {
		var vendorID, productID, manufacturer, serial, description string
		if transfer.Src.Kind == common.DeviceUSB {
			vendorID = fmt.Sprintf("%04x", transfer.Src.Usb.VendorID)
			productID = fmt.Sprintf("%04x", transfer.Src.Usb.ProductID)
			manufacturer = transfer.Src.Usb.Manufacturer
			serial = transfer.Src.Usb.Serial
			description = transfer.Src.Usb.Description
		}
		if err := tarClose(o.Children.Files2CleanTar, transfer.UserID, vendorID, productID, manufacturer, serial, description); err != nil {
			return nil, err
		}
	}

	if err := o.sendStatus(total, total, true, statusTag); err != nil {
		return nil, err
	}
	return transferDstState{transfer: transfer}, nil
}

func (o *Orchestrator) fileToDst(transfer *Transfer, path string, dstIsFs bool, current *uint64, total uint64, tag usbsaspb.StatusTag) error {
	ftype, size, ts, err := filesGetAttr(o.Children.Tar2Files, path)
	if err != nil {
		return err
	}

	if ftype == common.FileTypeDirectory {
		if dstIsFs {
			return fsNewDir(o, path, ts)
		}
		if err := tarNewFile(o.Children.Files2CleanTar, path, ftype, 0, ts); err != nil {
			return err
		}
		return tarEndFile(o.Children.Files2CleanTar)
	}

	if dstIsFs {
		if err := fsNewFile(o, path, ts); err != nil {
			return err
		}
	} else if err := tarNewFile(o.Children.Files2CleanTar, path, ftype, size, ts); err != nil {
		return err
	}

	var offset uint64
	remaining := size
	for remaining > 0 {
		chunk := remaining
		if chunk > readFileMaxSize {
			chunk = readFileMaxSize
		}
		data, err := filesReadFile(o.Children.Tar2Files, path, offset, chunk)
		if err != nil {
			return err
		}
		if dstIsFs {
			if err := fsWriteFile(o, offset, data); err != nil {
				return err
			}
		} else if err := tarWriteFile(o.Children.Files2CleanTar, data); err != nil {
			return err
		}
		offset += chunk
		remaining -= chunk
		*current += chunk
		if err := o.sendStatus(*current, total, false, tag); err != nil {
			return err
		}
	}

	if dstIsFs {
		return fsEndFile(o)
	}
	return tarEndFile(o.Children.Files2CleanTar)
}

func (o *Orchestrator) writeReportFs(report *TransferReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := fsNewFile(o, path, time.Now().Unix()); err != nil {
		return err
	}
	if err := fsWriteFile(o, 0, data); err != nil {
		return err
	}
	return fsEndFile(o)
}

func (o *Orchestrator) writeReportTar(child *files2tarChild, report *TransferReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := tarNewFile(child, path, common.FileTypeRegular, uint64(len(data)), time.Now().Unix()); err != nil {
		return err
	}
	if err := tarWriteFile(child, data); err != nil {
		return err
	}
	return tarEndFile(child)
}

// -- TransferDst ------------------------------------------------------------

type transferDstState struct{ transfer *Transfer }

func (s transferDstState) run(o *Orchestrator) (State, error) {
	transfer := s.transfer
	var err error
	switch transfer.Dst.Kind {
	case common.DeviceUSB:
		err = o.writeFs()
	case common.DeviceNetwork:
		err = o.uploadToNetwork(transfer)
	case common.DeviceCommand:
		err = o.execCmd()
	default:
		err = fmt.Errorf("unsupported destination kind")
	}
	if err != nil {
		return nil, err
	}

	if o.Config.PostCopy.CommandBin != "" {
		outType := common.OutFsTar
		if transfer.Dst.Kind == common.DeviceUSB {
			outType = common.OutFsDisk
		}
		if err := o.cmdexecPostCopyExec(outType); err != nil {
			return nil, err
		}
	}

	report := buildReport(transfer, "success")
	if err := o.sendStatus(0, 0, true, usbsaspb.StatusAllDone); err != nil {
		return nil, err
	}
	ulog.Logf("orchestrator", "transfer done, waiting end")
	o.writeLocalReport(report)
	return endState{report: report}, nil
}

func (o *Orchestrator) writeFs() error {
	if err := o.forwardBitVec(); err != nil {
		return err
	}
	if err := o.fs2devStatusLoop(fs2devpb.Request{Kind: fs2devpb.ReqStartCopy}, usbsaspb.StatusWriteDst); err != nil {
		return err
	}
	return o.sendStatus(0, 0, true, usbsaspb.StatusWriteDst)
}

func (o *Orchestrator) uploadToNetwork(transfer *Transfer) error {
	if transfer.Dst.Kind != common.DeviceNetwork {
		return fmt.Errorf("destination isn't a network")
	}
	return o.uploaderUploadStatusLoop(transfer.UserID, transfer.Dst.Network.URL)
}

func (o *Orchestrator) execCmd() error {
	if err := o.cmdexecExec(); err != nil {
		return err
	}
	return o.sendStatus(0, 0, true, usbsaspb.StatusExecCmd)
}

// -- ImgDisk ------------------------------------------------------------------

type imgDiskState struct{ device *common.Device }

func (s imgDiskState) run(o *Orchestrator) (State, error) {
	ulog.Logf("orchestrator", "image disk %s", s.device.Title())
	if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespImgDisk}); err != nil {
		return nil, err
	}

	blockSize, devSize, err := filesOpenDevice(o.Children.Scsi2Files, s.device.Usb.Bus, s.device.Usb.Dev)
	if err != nil {
		return nil, err
	}
	s.device.Usb.BlockSize = uint32(blockSize)
	s.device.Usb.Size = devSize

	// files2fs has no dedicated raw-image entrypoint; SetFsInfos with a
	// sentinel "raw" type just sizes the backing sparse file correctly
	// before ImgDisk writes start bypassing the filesystem layer.
	if err := fsSetInfos(o, "raw", devSize, uint32(blockSize), 0); err != nil {
		return nil, err
	}

	var offset uint64
	for offset < devSize {
		sectorCount := uint32(readFileMaxSize / blockSize)
		remainingSectors := (devSize - offset) / blockSize
		if uint64(sectorCount) > remainingSectors {
			sectorCount = uint32(remainingSectors)
		}
		if sectorCount == 0 {
			sectorCount = 1
		}
		data, err := filesReadSectors(o.Children.Scsi2Files, offset/blockSize, sectorCount)
		if err != nil {
			return nil, err
		}
		if err := fsImgDisk(o, offset, data); err != nil {
			return nil, err
		}
		offset += uint64(sectorCount) * blockSize
		done := offset >= devSize
		if err := o.sendStatus(offset, devSize, done, usbsaspb.StatusDiskImg); err != nil {
			return nil, err
		}
	}

	report := &TransferReport{Timestamp: time.Now().Unix(), Status: "success", Source: s.device.Title()}
	ulog.Logf("orchestrator", "imgdisk done")
	if err := o.sendStatus(0, 0, true, usbsaspb.StatusAllDone); err != nil {
		return nil, err
	}
	o.writeLocalReport(report)
	return endState{report: report}, nil
}

// -- Wipe ---------------------------------------------------------------------

type wipeState struct {
	device *common.Device
	quick  bool
	fsType common.FsType
}

func (s wipeState) run(o *Orchestrator) (State, error) {
	ulog.Logf("orchestrator", "wipe %s fstype=%v secure=%v", s.device.Title(), s.fsType, !s.quick)
	if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespWipe}); err != nil {
		return nil, err
	}

	if err := fs2devUnlock(o.Children.Fs2Dev, s.device.Usb.Bus, s.device.Usb.Dev); err != nil {
		return nil, err
	}

	if !s.quick {
		if err := o.fs2devStatusLoop(fs2devpb.Request{Kind: fs2devpb.ReqWipe}, usbsaspb.StatusMkFs); err != nil {
			return nil, err
		}
	}
	if err := o.sendStatus(0, 0, true, usbsaspb.StatusMkFs); err != nil {
		return nil, err
	}

	devSize, err := fs2devDevSize(o.Children.Fs2Dev)
	if err != nil {
		return nil, err
	}
	if err := fsSetInfos(o, fsTypeToString(s.fsType), devSize, 0, 0); err != nil {
		return nil, err
	}
	if err := fsClose(o); err != nil {
		return nil, err
	}
	if err := o.forwardBitVec(); err != nil {
		return nil, err
	}
	if err := o.fs2devStatusLoop(fs2devpb.Request{Kind: fs2devpb.ReqStartCopy}, usbsaspb.StatusWriteDst); err != nil {
		return nil, err
	}

	report := &TransferReport{Timestamp: time.Now().Unix(), Status: "success", Destination: s.device.Title()}
	ulog.Logf("orchestrator", "wipe done")
	if err := o.sendStatus(0, 0, true, usbsaspb.StatusAllDone); err != nil {
		return nil, err
	}
	o.writeLocalReport(report)
	return endState{report: report}, nil
}

// -- End ------------------------------------------------------------------

type endState struct{ report *TransferReport }

func (s endState) run(o *Orchestrator) (State, error) {
	devices := make(Devices)
	for {
		buf, err := comm.RecvRaw(o.Client)
		if err != nil {
			return nil, err
		}
		req, err := usbsaspb.UnmarshalRequest(buf)
		if err != nil {
			return nil, err
		}
		switch req.Kind {
		case usbsaspb.ReqDevices:
			if err := devices.Refresh(o.Children); err != nil {
				return nil, err
			}
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespDevices, Devices: devices.Filtered(req.IncludeAlt)}); err != nil {
				return nil, err
			}
		case usbsaspb.ReqReport:
			var reportBytes []byte
			if s.report != nil {
				b, err := json.Marshal(s.report)
				if err != nil {
					return nil, err
				}
				reportBytes = b
			}
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespReport, Report: reportBytes}); err != nil {
				return nil, err
			}
		case usbsaspb.ReqEnd:
			o.Children.EndWaitAll()
			if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespEnd}); err != nil {
				return nil, err
			}
			return exitState{}, nil
		default:
			if err := o.sendClientError(fmt.Errorf("unexpected request in end state")); err != nil {
				return nil, err
			}
		}
	}
}
