package orchestrator

import (
	"encoding/binary"
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	analyzerpb "github.com/usbsas/usbsas/internal/proto/analyzer"
	cmdexecpb "github.com/usbsas/usbsas/internal/proto/cmdexec"
	"github.com/usbsas/usbsas/internal/proto/common"
	downloaderpb "github.com/usbsas/usbsas/internal/proto/downloader"
	filespb "github.com/usbsas/usbsas/internal/proto/files"
	fs2devpb "github.com/usbsas/usbsas/internal/proto/fs2dev"
	uploaderpb "github.com/usbsas/usbsas/internal/proto/uploader"
	usbsaspb "github.com/usbsas/usbsas/internal/proto/usbsas"
	writefspb "github.com/usbsas/usbsas/internal/proto/writefs"
	writetarpb "github.com/usbsas/usbsas/internal/proto/writetar"
)

// This file holds the thin one-request/one-reply (or status-draining loop)
// wrappers every state calls into; the state files themselves read as the
// control flow from usbsas-usbsas/src/states.rs, not wire plumbing.

// -- scsi2files / tar2files (both speak internal/proto/files) --------------

func filesOpenDevice(child *scsiChild, busnum, devnum uint32) (blockSize, devSize uint64, err error) {
	if err = comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqOpenDevice, Busnum: busnum, Devnum: devnum}); err != nil {
		return 0, 0, err
	}
	rep, err := filesRecv(child)
	if err != nil {
		return 0, 0, err
	}
	return rep.BlockSize, rep.DevSize, nil
}

func filesPartitions(child *scsiChild) ([]common.Partition, error) {
	if err := comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqPartitions}); err != nil {
		return nil, err
	}
	rep, err := filesRecv(child)
	if err != nil {
		return nil, err
	}
	return rep.Partitions, nil
}

func filesOpenPartition(child *scsiChild, index uint32) error {
	if err := comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqOpenPartition, Index: index}); err != nil {
		return err
	}
	_, err := filesRecv(child)
	return err
}

func filesReadDir(child *scsiChild, path string) ([]common.FileInfo, error) {
	if err := comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqReadDir, Path: path}); err != nil {
		return nil, err
	}
	rep, err := filesRecv(child)
	if err != nil {
		return nil, err
	}
	return rep.Files, nil
}

func filesGetAttr(child *scsiChild, path string) (common.FileType, uint64, int64, error) {
	if err := comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqGetAttr, Path: path}); err != nil {
		return 0, 0, 0, err
	}
	rep, err := filesRecv(child)
	if err != nil {
		return 0, 0, 0, err
	}
	return rep.FType, rep.Size, rep.Timestamp, nil
}

func filesReadFile(child *scsiChild, path string, offset, size uint64) ([]byte, error) {
	if err := comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqReadFile, Path: path, Offset: offset, Size: size}); err != nil {
		return nil, err
	}
	rep, err := filesRecv(child)
	if err != nil {
		return nil, err
	}
	return rep.Data, nil
}

func filesReadSectors(child *scsiChild, offset uint64, count uint32) ([]byte, error) {
	if err := comm.Send(child.Comm, filespb.Request{Kind: filespb.ReqReadSectors, Offset: offset, Count: count}); err != nil {
		return nil, err
	}
	rep, err := filesRecv(child)
	if err != nil {
		return nil, err
	}
	return rep.Data, nil
}

func filesRecv(child *scsiChild) (filespb.Response, error) {
	buf, err := comm.RecvRaw(child.Comm)
	if err != nil {
		return filespb.Response{}, err
	}
	rep, err := filespb.UnmarshalResponse(buf)
	if err != nil {
		return filespb.Response{}, err
	}
	if rep.Kind == filespb.RespError {
		return filespb.Response{}, fmt.Errorf("%s", rep.Error.Message)
	}
	return rep, nil
}

// tar2filesUnlock performs the 8-byte little-endian unlock handshake
// tar2files's initState blocks on before opening its archive: value 1
// means "open it", anything else drains straight to End.
func tar2filesUnlock(child *tar2filesChild, use bool) error {
	var buf [8]byte
	if use {
		binary.LittleEndian.PutUint64(buf[:], 1)
	}
	return comm.WriteRaw(child.Comm, buf[:])
}

// -- fs2dev ------------------------------------------------------------------

// fs2devUnlock performs fs2dev's 8-byte busnum/devnum unlock handshake.
// busnum==devnum==0 means "no destination device, go straight to drain".
func fs2devUnlock(child *fs2devChild, busnum, devnum uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], busnum)
	binary.LittleEndian.PutUint32(buf[4:8], devnum)
	return comm.WriteRaw(child.Comm, buf[:])
}

func fs2devDevSize(child *fs2devChild) (uint64, error) {
	if err := comm.Send(child.Comm, fs2devpb.Request{Kind: fs2devpb.ReqDevSize}); err != nil {
		return 0, err
	}
	rep, err := fs2devRecv(child)
	if err != nil {
		return 0, err
	}
	return rep.Size, nil
}

func fs2devLoadBitVecChunk(child *fs2devChild, chunk []byte, last bool) error {
	if err := comm.Send(child.Comm, fs2devpb.Request{Kind: fs2devpb.ReqLoadBitVec, Chunk: chunk, Last: last}); err != nil {
		return err
	}
	_, err := fs2devRecv(child)
	return err
}

func fs2devRecv(child *fs2devChild) (fs2devpb.Response, error) {
	buf, err := comm.RecvRaw(child.Comm)
	if err != nil {
		return fs2devpb.Response{}, err
	}
	rep, err := fs2devpb.UnmarshalResponse(buf)
	if err != nil {
		return fs2devpb.Response{}, err
	}
	if rep.Kind == fs2devpb.RespError {
		return fs2devpb.Response{}, fmt.Errorf("%s", rep.Error.Message)
	}
	return rep, nil
}

// fs2devStatusLoop sends req then drains RespStatus frames, forwarding
// each to the client under tag, until the final status or terminal ack.
func (o *Orchestrator) fs2devStatusLoop(req fs2devpb.Request, tag usbsaspb.StatusTag) error {
	if err := comm.Send(o.Children.Fs2Dev.Comm, req); err != nil {
		return err
	}
	for {
		buf, err := comm.RecvRaw(o.Children.Fs2Dev.Comm)
		if err != nil {
			return err
		}
		rep, err := fs2devpb.UnmarshalResponse(buf)
		if err != nil {
			return err
		}
		switch rep.Kind {
		case fs2devpb.RespStatus:
			if err := o.sendStatus(rep.Status.Done, rep.Status.Total, false, tag); err != nil {
				return err
			}
		case fs2devpb.RespError:
			return fmt.Errorf("fs2dev: %s", rep.Error.Message)
		default:
			return nil
		}
	}
}

// -- downloader / uploader / analyzer ---------------------------------------

func downloaderArchiveInfos(child *downloaderChild, id string) (uint64, error) {
	if err := comm.Send(child.Comm, downloaderpb.Request{Kind: downloaderpb.ReqArchiveInfos, Id: id}); err != nil {
		return 0, err
	}
	buf, err := comm.RecvRaw(child.Comm)
	if err != nil {
		return 0, err
	}
	rep, err := downloaderpb.UnmarshalResponse(buf)
	if err != nil {
		return 0, err
	}
	if rep.Kind == downloaderpb.RespError {
		return 0, fmt.Errorf("downloader: %s", rep.Error.Message)
	}
	return rep.Size, nil
}

// downloaderDownloadStatusLoop starts the download and forwards its
// progress, tagged ReadSrc, until done.
func (o *Orchestrator) downloaderDownloadStatusLoop() error {
	if err := comm.Send(o.Children.Downloader.Comm, downloaderpb.Request{Kind: downloaderpb.ReqDownload}); err != nil {
		return err
	}
	for {
		buf, err := comm.RecvRaw(o.Children.Downloader.Comm)
		if err != nil {
			return err
		}
		rep, err := downloaderpb.UnmarshalResponse(buf)
		if err != nil {
			return err
		}
		switch rep.Kind {
		case downloaderpb.RespDownloadStatus:
			done := rep.CurrentSize >= rep.TotalSize
			if err := o.sendStatus(rep.CurrentSize, rep.TotalSize, done, usbsaspb.StatusReadSrc); err != nil {
				return err
			}
			if done {
				return nil
			}
		case downloaderpb.RespError:
			return fmt.Errorf("downloader: %s", rep.Error.Message)
		default:
			return nil
		}
	}
}

// uploaderUploadStatusLoop uploads the clean archive to network and
// forwards progress tagged WriteDst.
func (o *Orchestrator) uploaderUploadStatusLoop(id, url string) error {
	if err := comm.Send(o.Children.Uploader.Comm, uploaderpb.Request{Kind: uploaderpb.ReqUpload, Id: id, URL: url}); err != nil {
		return err
	}
	for {
		buf, err := comm.RecvRaw(o.Children.Uploader.Comm)
		if err != nil {
			return err
		}
		rep, err := uploaderpb.UnmarshalResponse(buf)
		if err != nil {
			return err
		}
		switch rep.Kind {
		case uploaderpb.RespUploadStatus:
			done := rep.CurrentSize >= rep.TotalSize
			if err := o.sendStatus(rep.CurrentSize, rep.TotalSize, done, usbsaspb.StatusWriteDst); err != nil {
				return err
			}
			if done {
				return nil
			}
		case uploaderpb.RespError:
			return fmt.Errorf("uploader: %s", rep.Error.Message)
		default:
			return nil
		}
	}
}

// analyzerAnalyze runs the analyzer over the staged archive, forwarding
// progress tagged Analyze, and returns the clean/dirty path lists.
func (o *Orchestrator) analyzerAnalyze(id string) (clean, dirty []string, err error) {
	if err = comm.Send(o.Children.Analyzer.Comm, analyzerpb.Request{Kind: analyzerpb.ReqAnalyze, Id: id}); err != nil {
		return nil, nil, err
	}
	for {
		buf, err := comm.RecvRaw(o.Children.Analyzer.Comm)
		if err != nil {
			return nil, nil, err
		}
		rep, err := analyzerpb.UnmarshalResponse(buf)
		if err != nil {
			return nil, nil, err
		}
		switch rep.Kind {
		case analyzerpb.RespUploadStatus:
			done := rep.CurrentSize >= rep.TotalSize
			if err := o.sendStatus(rep.CurrentSize, rep.TotalSize, done, usbsaspb.StatusAnalyze); err != nil {
				return nil, nil, err
			}
		case analyzerpb.RespAnalyze:
			return rep.Clean, rep.Dirty, nil
		case analyzerpb.RespError:
			return nil, nil, fmt.Errorf("analyzer: %s", rep.Error.Message)
		default:
			return nil, nil, fmt.Errorf("analyzer: unexpected response")
		}
	}
}

// -- cmdexec ------------------------------------------------------------------

const (
	cmdexecUnlockNothing  byte = 0
	cmdexecUnlockUseTar   byte = 1
	cmdexecUnlockUseClean byte = 2
)

func cmdexecUnlock(child *cmdexecChild, val byte) error {
	return comm.WriteRaw(child.Comm, []byte{val})
}

func (o *Orchestrator) cmdexecExec() error {
	if err := comm.Send(o.Children.Cmdexec.Comm, cmdexecpb.Request{Kind: cmdexecpb.ReqExec}); err != nil {
		return err
	}
	return cmdexecRecv(o.Children.Cmdexec)
}

func (o *Orchestrator) cmdexecPostCopyExec(outType common.OutFsType) error {
	if err := comm.Send(o.Children.Cmdexec.Comm, cmdexecpb.Request{Kind: cmdexecpb.ReqPostCopyExec, OutFileType: outType}); err != nil {
		return err
	}
	return cmdexecRecv(o.Children.Cmdexec)
}

func cmdexecRecv(child *cmdexecChild) error {
	buf, err := comm.RecvRaw(child.Comm)
	if err != nil {
		return err
	}
	rep, err := cmdexecpb.UnmarshalResponse(buf)
	if err != nil {
		return err
	}
	if rep.Kind == cmdexecpb.RespError {
		return fmt.Errorf("cmdexec: %s", rep.Error.Message)
	}
	return nil
}

// -- files2tar / files2cleantar (internal/proto/writetar) --------------------

func tarNewFile(child *files2tarChild, path string, ftype common.FileType, size uint64, timestamp int64) error {
	if err := comm.Send(child.Comm, writetarpb.Request{Kind: writetarpb.ReqNewFile, Path: path, FType: ftype, Size: size, Timestamp: timestamp}); err != nil {
		return err
	}
	return tarRecv(child)
}

func tarWriteFile(child *files2tarChild, data []byte) error {
	if err := comm.Send(child.Comm, writetarpb.Request{Kind: writetarpb.ReqWriteFile, Data: data}); err != nil {
		return err
	}
	return tarRecv(child)
}

func tarEndFile(child *files2tarChild) error {
	if err := comm.Send(child.Comm, writetarpb.Request{Kind: writetarpb.ReqEndFile}); err != nil {
		return err
	}
	return tarRecv(child)
}

func tarClose(child *files2tarChild, id, vendorID, productID, manufacturer, serial, description string) error {
	if err := comm.Send(child.Comm, writetarpb.Request{
		Kind: writetarpb.ReqClose, Id: id, VendorId: vendorID, ProductId: productID,
		Manufacturer: manufacturer, Serial: serial, Description: description,
	}); err != nil {
		return err
	}
	return tarRecv(child)
}

func tarRecv(child *files2tarChild) error {
	buf, err := comm.RecvRaw(child.Comm)
	if err != nil {
		return err
	}
	rep, err := writetarpb.UnmarshalResponse(buf)
	if err != nil {
		return err
	}
	if rep.Kind == writetarpb.RespError {
		return fmt.Errorf("%s", rep.Error.Message)
	}
	return nil
}

// -- files2fs (internal/proto/writefs) ---------------------------------------

func fsSetInfos(o *Orchestrator, fsType string, devSize uint64, sectorSize uint32, sectorStart uint64) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{
		Kind: writefspb.ReqSetFsInfos, FsType: fsType, DevSize: devSize, SectorSize: sectorSize, SectorStart: sectorStart,
	}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsNewFile(o *Orchestrator, path string, timestamp int64) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqNewFile, Path: path, Timestamp: timestamp}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsNewDir(o *Orchestrator, path string, timestamp int64) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqNewDir, Path: path, Timestamp: timestamp}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsWriteFile(o *Orchestrator, offset uint64, data []byte) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqWriteFile, Offset: offset, Data: data}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsEndFile(o *Orchestrator) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqEndFile}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsImgDisk(o *Orchestrator, offset uint64, data []byte) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqImgDisk, ImgOffset: offset, ImgData: data}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsClose(o *Orchestrator) error {
	if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqClose}); err != nil {
		return err
	}
	return fsRecv(o.Children.Files2Fs)
}

func fsRecv(child *files2fsChild) error {
	_, err := fsRecvResp(child)
	return err
}

func fsRecvResp(child *files2fsChild) (writefspb.Response, error) {
	buf, err := comm.RecvRaw(child.Comm)
	if err != nil {
		return writefspb.Response{}, err
	}
	rep, err := writefspb.UnmarshalResponse(buf)
	if err != nil {
		return writefspb.Response{}, err
	}
	if rep.Kind == writefspb.RespError {
		return writefspb.Response{}, fmt.Errorf("%s", rep.Error.Message)
	}
	return rep, nil
}

// forwardBitVec drains files2fs's write bitmap in chunks and loads each
// one into fs2dev, mirroring RunState::forward_bitvec.
func (o *Orchestrator) forwardBitVec() error {
	for {
		if err := comm.Send(o.Children.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqBitVec}); err != nil {
			return err
		}
		rep, err := fsRecvResp(o.Children.Files2Fs)
		if err != nil {
			return err
		}
		if err := fs2devLoadBitVecChunk(o.Children.Fs2Dev, rep.BitVecChunk, rep.EndOfChunks); err != nil {
			return err
		}
		if rep.EndOfChunks {
			return nil
		}
	}
}
