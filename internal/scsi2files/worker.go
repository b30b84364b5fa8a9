// Package scsi2files drives a dev2scsi child over IPC and exposes the
// source device's files through one of the fsrw filesystem readers,
// grounded on usbsas-scsi2files/src/lib.rs.
package scsi2files

import (
	"encoding/binary"
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/fsrw"
	"github.com/usbsas/usbsas/internal/fsrw/ext4"
	"github.com/usbsas/usbsas/internal/fsrw/fat"
	"github.com/usbsas/usbsas/internal/fsrw/iso9660"
	"github.com/usbsas/usbsas/internal/fsrw/ntfs"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	"github.com/usbsas/usbsas/internal/proto/common"
	proto "github.com/usbsas/usbsas/internal/proto/files"
	scsiproto "github.com/usbsas/usbsas/internal/proto/scsi"
	"github.com/usbsas/usbsas/internal/sandbox"
)

// Comm is the typed channel the scsi2files worker speaks with its parent.
type Comm = comm.Comm[proto.Request, proto.Response]

type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the scsi2files state machine.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker; dev2scsiPath is the usbsas-dev2scsi binary to
// spawn, matching UsbsasChildSpawner::new("usbsas-dev2scsi").
func New(c *Comm, dev2scsiPath string) *Worker {
	return &Worker{comm: c, state: initState{dev2scsiPath: dev2scsiPath}}
}

// Run drives the state machine to the End state.
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("scsi2files", "state run error: %v, waiting end", err)
			_ = comm.Send(w.comm, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}})
			w.state = waitEndState{childComm: nil}
			continue
		}
		if _, done := next.(endState); done {
			return nil
		}
		w.state = next
	}
}

type endState struct{}

func (endState) run(*Comm) (state, error) { return nil, fmt.Errorf("scsi2files: already ended") }

type initState struct {
	dev2scsiPath string
}

func (s initState) run(c *Comm) (state, error) {
	child, err := process.Spawn[scsiproto.Request, scsiproto.Response](process.New(s.dev2scsiPath))
	if err != nil {
		return nil, fmt.Errorf("scsi2files: spawn dev2scsi: %w", err)
	}

	if err := sandbox.Scsi2Files(c.InputFd(), c.OutputFd(), child.Comm.InputFd(), child.Comm.OutputFd()); err != nil {
		return nil, err
	}

	return childStartedState{usbMass: newMassStorageComm(child.Comm)}, nil
}

type childStartedState struct {
	usbMass *massStorageComm
}

func (s childStartedState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("scsi2files: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, err
	}
	switch req.Kind {
	case proto.ReqOpenDevice:
		if err := s.openDevice(c, req.Busnum, req.Devnum); err != nil {
			ulog.Errorf("scsi2files", "err open device: %v, waiting end", err)
			if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}}); sendErr != nil {
				return nil, sendErr
			}
			return waitEndState{childComm: s.usbMass}, nil
		}
		return devOpenedState{usbMass: s.usbMass}, nil
	case proto.ReqEnd:
		// Unlock dev2scsi with a 0/0 payload (it treats that as "resetting,
		// no device to open") before asking it to end cleanly.
		if err := comm.WriteRaw(s.usbMass.comm, unlockPayload(0, 0)); err != nil {
			return nil, err
		}
		if err := s.usbMass.end(); err != nil {
			return nil, err
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
		return endState{}, nil
	default:
		return nil, fmt.Errorf("scsi2files: bad request")
	}
}

func (s childStartedState) openDevice(c *Comm, busnum, devnum uint32) error {
	ulog.Debugf("scsi2files", "req opendevice")
	if err := comm.WriteRaw(s.usbMass.comm, unlockPayload(busnum, devnum)); err != nil {
		return err
	}
	buf, err := comm.RecvRaw(s.usbMass.comm)
	if err != nil {
		return err
	}
	rep, err := scsiproto.UnmarshalResponse(buf)
	if err != nil {
		return err
	}
	switch rep.Kind {
	case scsiproto.RespOpenDevice:
		s.usbMass.blockSize = uint32(rep.BlockSize)
		s.usbMass.devSize = rep.DevSize
		return comm.Send(c, proto.Response{Kind: proto.RespOpenDevice, BlockSize: rep.BlockSize, DevSize: rep.DevSize})
	case scsiproto.RespError:
		return fmt.Errorf("dev2scsi: %s", rep.Error.Message)
	default:
		return fmt.Errorf("scsi2files: bad request")
	}
}

func unlockPayload(busnum, devnum uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(devnum)<<32|uint64(busnum))
	return buf
}

type devOpenedState struct {
	usbMass *massStorageComm
}

func (s devOpenedState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("scsi2files: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, err
		}
		switch req.Kind {
		case proto.ReqPartitions:
			parts, err := s.partitions(c)
			if err != nil {
				return nil, err
			}
			return partitionsListedState{usbMass: s.usbMass, partitions: parts}, nil
		case proto.ReqReadSectors:
			if err := s.readSectors(c, req.Offset, req.Count); err != nil {
				return nil, err
			}
		case proto.ReqEnd:
			if err := s.usbMass.end(); err != nil {
				return nil, err
			}
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			return nil, fmt.Errorf("scsi2files: bad request")
		}
	}
}

func (s devOpenedState) partitions(c *Comm) ([]common.Partition, error) {
	ulog.Debugf("scsi2files", "req partitions")
	if err := comm.Send(s.usbMass.comm, scsiproto.Request{Kind: scsiproto.ReqPartitions}); err != nil {
		return nil, err
	}
	buf, err := comm.RecvRaw(s.usbMass.comm)
	if err != nil {
		return nil, err
	}
	rep, err := scsiproto.UnmarshalResponse(buf)
	if err != nil {
		return nil, err
	}
	if rep.Kind == scsiproto.RespError {
		return nil, fmt.Errorf("dev2scsi: %s", rep.Error.Message)
	}
	if err := comm.Send(c, proto.Response{Kind: proto.RespPartitions, Partitions: rep.Partitions}); err != nil {
		return nil, err
	}
	return rep.Partitions, nil
}

func (s devOpenedState) readSectors(c *Comm, offset uint64, count uint32) error {
	data, err := s.usbMass.readSectors(offset, uint64(count))
	if err != nil {
		return comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}})
	}
	return comm.Send(c, proto.Response{Kind: proto.RespReadSectors, Data: data})
}

type partitionsListedState struct {
	usbMass    *massStorageComm
	partitions []common.Partition
}

func (s partitionsListedState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("scsi2files: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, err
	}
	switch req.Kind {
	case proto.ReqOpenPartition:
		fs, err := s.openPartition(req.Index)
		if err != nil {
			if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}}); sendErr != nil {
				return nil, sendErr
			}
			return waitEndState{childComm: s.usbMass}, nil
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespOpenPartition}); err != nil {
			return nil, err
		}
		return partitionOpenedState{usbMass: s.usbMass, fs: fs}, nil
	case proto.ReqEnd:
		if err := s.usbMass.end(); err != nil {
			return nil, err
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
		return endState{}, nil
	default:
		return nil, fmt.Errorf("scsi2files: bad request")
	}
}

func (s partitionsListedState) openPartition(index uint32) (fsrw.Reader, error) {
	ulog.Debugf("scsi2files", "req open partition %d", index)
	if int(index) >= len(s.partitions) {
		return nil, fmt.Errorf("scsi2files: partition not found")
	}
	part := s.partitions[index]
	s.usbMass.partitionSecStart = part.Start
	switch part.FsType {
	case common.FsFAT, common.FsExFAT:
		return fat.New(s.usbMass, s.usbMass.blockSize)
	case common.FsNTFS:
		return ntfs.New(s.usbMass, s.usbMass.blockSize)
	case common.FsExt4:
		return ext4.New(s.usbMass, s.usbMass.blockSize)
	case common.FsISO9660:
		return iso9660.New(s.usbMass, s.usbMass.blockSize)
	default:
		return nil, fmt.Errorf("scsi2files: unsupported filesystem")
	}
}

type partitionOpenedState struct {
	usbMass *massStorageComm
	fs      fsrw.Reader
}

func (s partitionOpenedState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("scsi2files: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, err
		}
		var opErr error
		switch req.Kind {
		case proto.ReqGetAttr:
			opErr = s.getattr(c, req.Path)
		case proto.ReqReadDir:
			opErr = s.readdir(c, req.Path)
		case proto.ReqReadFile:
			opErr = s.readfile(c, req.Path, req.Offset, req.Size)
		case proto.ReqEnd:
			if err := s.usbMass.end(); err != nil {
				return nil, err
			}
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			opErr = fmt.Errorf("scsi2files: bad request")
		}
		if opErr != nil {
			if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: opErr.Error()}}); sendErr != nil {
				return nil, sendErr
			}
		}
	}
}

const readFileMaxSize = 10 * 1024 * 1024

func (s partitionOpenedState) getattr(c *Comm, path string) error {
	ftype, size, ts, err := s.fs.GetAttr(path)
	if err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespGetAttr, FType: ftype, Size: size, Timestamp: ts})
}

func (s partitionOpenedState) readdir(c *Comm, path string) error {
	files, err := s.fs.ReadDir(path)
	if err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespReadDir, Files: files})
}

func (s partitionOpenedState) readfile(c *Comm, path string, offset, size uint64) error {
	if size > readFileMaxSize {
		return fmt.Errorf("scsi2files: max read size exceeded")
	}
	data, err := s.fs.ReadFile(path, offset, size)
	if err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespReadFile, Data: data})
}

type waitEndState struct {
	childComm *massStorageComm
}

func (s waitEndState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("scsi2files: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, err
	}
	if req.Kind != proto.ReqEnd {
		ulog.Errorf("scsi2files", "bad request")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: "bad request"}}); err != nil {
			return nil, err
		}
		return waitEndState{childComm: s.childComm}, nil
	}
	if s.childComm != nil {
		_ = s.childComm.end()
	}
	if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
		return nil, err
	}
	return endState{}, nil
}
