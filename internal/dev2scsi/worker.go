// Package dev2scsi reads raw sectors from the source USB mass-storage
// device and lists its partitions, grounded on usbsas-dev2scsi/src/lib.rs.
package dev2scsi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/massstorage"
	"github.com/usbsas/usbsas/internal/proto/common"
	proto "github.com/usbsas/usbsas/internal/proto/scsi"
	"github.com/usbsas/usbsas/internal/sandbox"
)

// Comm is the typed channel the dev2scsi worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

var errNoSupportedFs = errors.New("dev2scsi: no supported filesystem found")

// OpenFunc opens the mass-storage device for busnum/devnum, given the
// interface/endpoint descriptors discovered during enumeration
// (internal/usbdev owns enumeration; dev2scsi is handed bus/dev only and
// re-resolves the interface itself, matching from_busnum_devnum).
type OpenFunc func(busnum, devnum uint32) (*massstorage.Device, error)

type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the dev2scsi state machine.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker; open is how the Init state resolves busnum/devnum
// into a claimed massstorage.Device (production code passes
// massstorage.OpenFromBusDev, tests pass a mock).
func New(c *Comm, open OpenFunc) *Worker {
	return &Worker{comm: c, state: initState{open: open}}
}

// Run drives the state machine to the End state.
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("dev2scsi", "state run error: %v, waiting end", err)
			_ = comm.Send(w.comm, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}})
			w.state = waitEndState{}
			continue
		}
		if _, done := next.(endState); done {
			return nil
		}
		w.state = next
	}
}

type endState struct{}

func (endState) run(*Comm) (state, error) { return nil, errors.New("dev2scsi: already ended") }

type initState struct {
	open OpenFunc
}

func (s initState) run(c *Comm) (state, error) {
	buf := make([]byte, 8)
	if err := comm.ReadExact(c, buf); err != nil {
		return nil, fmt.Errorf("dev2scsi: recv unlock: %w", err)
	}
	busnum := binary.LittleEndian.Uint32(buf[0:4])
	devnum := binary.LittleEndian.Uint32(buf[4:8])
	ulog.Debugf("dev2scsi", "unlocked, busnum: %d devnum: %d", busnum, devnum)

	// 0-0 means usbsas is resetting: sandbox and drain without opening a device.
	if busnum == 0 && devnum == 0 {
		if err := sandbox.Dev2Scsi(c.InputFd(), c.OutputFd(), -1, busnum, devnum); err != nil {
			return nil, err
		}
		return waitEndState{}, nil
	}

	dev, err := s.open(busnum, devnum)
	if err != nil {
		ulog.Errorf("dev2scsi", "init mass storage error: %v, waiting end", err)
		if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}}); sendErr != nil {
			return nil, sendErr
		}
		return waitEndState{}, nil
	}

	mockFd := -1
	if dev.IsMock() {
		mockFd = dev.Fd()
	}
	if err := sandbox.Dev2Scsi(c.InputFd(), c.OutputFd(), mockFd, busnum, devnum); err != nil {
		return nil, err
	}

	if err := comm.Send(c, proto.Response{
		Kind:      proto.RespOpenDevice,
		BlockSize: uint64(dev.BlockSize),
		DevSize:   dev.DevSize,
	}); err != nil {
		return nil, fmt.Errorf("dev2scsi: send opendev: %w", err)
	}
	return devOpenedState{dev: dev}, nil
}

type devOpenedState struct {
	dev *massstorage.Device
}

func (s devOpenedState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("dev2scsi: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("dev2scsi: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqPartitions:
			if err := s.partitions(c); err != nil {
				ulog.Errorf("dev2scsi", "%v", err)
				if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}}); sendErr != nil {
					return nil, sendErr
				}
				continue
			}
			return partitionsListedState{dev: s.dev}, nil
		case proto.ReqReadSectors:
			if err := s.readSectors(c, req); err != nil {
				return nil, err
			}
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			ulog.Errorf("dev2scsi", "unexpected request")
		}
	}
}

func (s devOpenedState) readSectors(c *Comm, req proto.Request) error {
	data, err := s.dev.ReadSectors(req.Offset, req.Count)
	if err != nil {
		ulog.Errorf("dev2scsi", "%v", err)
		return comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: err.Error()}})
	}
	return comm.Send(c, proto.Response{Kind: proto.RespReadSectors, Data: data})
}

func (s devOpenedState) partitions(c *Comm) error {
	parts, names, err := ListPartitions(s.dev)
	if err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespPartitions, Partitions: parts, PartitionNames: names})
}

// ListPartitions reads dev's MBR/GPT (or treats the whole device as one
// unpartitioned volume if neither is present) and probes each entry's
// filesystem signature, the same logic devOpenedState.partitions sends
// back over IPC. Exported so internal/scenario can read back a mock
// destination device's partition layout directly, without a dev2scsi
// child process in between.
func ListPartitions(dev *massstorage.Device) ([]common.Partition, []string, error) {
	raws, err := listRawPartitions(dev, dev.BlockSize)
	if err != nil {
		ulog.Logf("dev2scsi", "error listing partitions (maybe no mbr?): %v", err)
	}
	if len(raws) == 0 {
		raws = []rawPartition{{ptype: 0, start: 0, size: dev.DevSize / uint64(dev.BlockSize)}}
	}

	for i := range raws {
		r := &raws[i]
		if r.start*uint64(dev.BlockSize)%uint64(dev.BlockSize) != 0 {
			return nil, nil, fmt.Errorf("dev2scsi: part start %% block_size != 0")
		}
		if !mbrTypeAllowed[r.ptype] && r.ptype != 0 {
			ulog.Logf("dev2scsi", "unsupported partition type: %d", r.ptype)
			r.ptype = 0
		}
	}

	parts := make([]common.Partition, len(raws))
	names := make([]string, len(raws))
	for i, r := range raws {
		parts[i] = common.Partition{Type: r.ptype, TypeStr: "Unknown", Start: r.start, Size: r.size}
		if r.name != "" {
			names[i] = r.name
		} else {
			names[i] = "Unknown"
		}
		if err := probeFilesystem(dev, dev.BlockSize, &parts[i], &names[i], r.start); err != nil {
			return nil, nil, err
		}
	}

	if len(parts) == 1 && parts[0].Type == 0 {
		if err := probeISO9660(dev, dev.BlockSize, &parts[0]); err != nil {
			return nil, nil, err
		}
	}

	return parts, names, nil
}

type partitionsListedState struct {
	dev *massstorage.Device
}

func (s partitionsListedState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("dev2scsi: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("dev2scsi: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqReadSectors:
			if err := devOpenedState(s).readSectors(c, req); err != nil {
				return nil, err
			}
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			ulog.Errorf("dev2scsi", "unexpected request")
		}
	}
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("dev2scsi: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("dev2scsi: decode request: %w", err)
	}
	if req.Kind == proto.ReqEnd {
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
	} else {
		ulog.Errorf("dev2scsi", "unexpected req")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: common.ResponseError{Message: "bad request"}}); err != nil {
			return nil, err
		}
	}
	return endState{}, nil
}
