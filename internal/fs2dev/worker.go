// Package fs2dev copies a formatted destination image onto the real USB
// device, sector by sector, using the write bitmap forwarded by files2fs
// to skip sectors that were never touched. It can also wipe a device with
// zeros. Grounded on usbsas-fs2dev/src/lib.rs.
package fs2dev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/proto/common"
	proto "github.com/usbsas/usbsas/internal/proto/fs2dev"
	"github.com/usbsas/usbsas/internal/massstorage"
	"github.com/usbsas/usbsas/internal/sandbox"
	"github.com/usbsas/usbsas/internal/sparsefile"
)

// Comm is the typed channel the fs2dev worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// sectorSize is the fixed granularity files2fs's write bitmap is built
// at; fs2dev must agree with it exactly to make sense of the bitmap it's
// handed, mirroring usbsas_utils::SECTOR_SIZE.
const sectorSize = 512

// bufferMaxWriteSize caps a single SCSI WRITE(10) request at
// maxWriteSectors worth of data.
const bufferMaxWriteSize = maxWriteSectors * sectorSize

// OpenFunc resolves busnum/devnum into a claimed mass-storage device,
// matching dev2scsi.OpenFunc's shape (production passes
// massstorage.OpenFromBusDev).
type OpenFunc func(busnum, devnum uint32) (*massstorage.Device, error)

type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the fs2dev state machine.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will open fsFname (the formatted image built
// by files2fs) and, once unlocked, the destination device.
func New(c *Comm, fsFname string, open OpenFunc) *Worker {
	return &Worker{comm: c, state: initState{fsFname: fsFname, open: open}}
}

// Run drives the state machine to the End state.
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("fs2dev", "state run error: %v, waiting end", err)
			_ = comm.Send(w.comm, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))})
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("fs2dev: already ended") }

type initState struct {
	fsFname string
	open    OpenFunc
}

func (s initState) run(c *Comm) (state, error) {
	buf := make([]byte, 8)
	if err := comm.ReadExact(c, buf); err != nil {
		return nil, fmt.Errorf("fs2dev: recv unlock: %w", err)
	}
	busnum := binary.LittleEndian.Uint32(buf[0:4])
	devnum := binary.LittleEndian.Uint32(buf[4:8])
	ulog.Debugf("fs2dev", "unlocked with busnum=%d devnum=%d", busnum, devnum)

	if busnum == 0 && devnum == 0 {
		if err := sandbox.Files2Dev(c.InputFd(), c.OutputFd(), -1, -1, false, busnum, devnum); err != nil {
			return nil, err
		}
		return waitEndState{}, nil
	}

	fs, err := os.Open(s.fsFname)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: open formatted image: %w", err)
	}

	dev, err := s.open(busnum, devnum)
	if err != nil {
		ulog.Errorf("fs2dev", "error opening device: %v", err)
		if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); sendErr != nil {
			return nil, sendErr
		}
		return waitEndState{}, nil
	}

	if err := sandbox.Files2Dev(c.InputFd(), c.OutputFd(), int(fs.Fd()), dev.Fd(), dev.IsMock(), busnum, devnum); err != nil {
		return nil, err
	}

	return devOpenedState{fs: fs, dev: dev}, nil
}

type devOpenedState struct {
	fs  *os.File
	dev *massstorage.Device
}

func (s devOpenedState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: decode request: %w", err)
	}
	switch req.Kind {
	case proto.ReqDevSize:
		if err := comm.Send(c, proto.Response{Kind: proto.RespDevSize, Size: s.dev.DevSize}); err != nil {
			return nil, err
		}
		return s, nil
	case proto.ReqLoadBitVec:
		return s.loadBitVec(c, req.Chunk, req.Last)
	case proto.ReqWipe:
		return wipingState{fs: s.fs, dev: s.dev}, nil
	case proto.ReqEnd:
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
		return endState{}, nil
	default:
		ulog.Errorf("fs2dev", "bad request")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); err != nil {
			return nil, err
		}
		return nil, errors.New("fs2dev: bad request")
	}
}

func (s devOpenedState) loadBitVec(c *Comm, firstChunk []byte, last bool) (state, error) {
	bits := append([]byte(nil), firstChunk...)
	if err := comm.Send(c, proto.Response{Kind: proto.RespLoadBitVec}); err != nil {
		return nil, err
	}
	for !last {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("fs2dev: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("fs2dev: decode request: %w", err)
		}
		if req.Kind != proto.ReqLoadBitVec {
			ulog.Errorf("fs2dev", "bad request")
			if sendErr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); sendErr != nil {
				return nil, sendErr
			}
			return nil, errors.New("fs2dev: bad request")
		}
		bits = append(bits, req.Chunk...)
		last = req.Last
		if err := comm.Send(c, proto.Response{Kind: proto.RespLoadBitVec}); err != nil {
			return nil, err
		}
	}

	fi, err := s.fs.Stat()
	if err != nil {
		return nil, err
	}
	numSectors := fi.Size() / sectorSize
	bv := sparsefile.NewBitVec(bits, numSectors)
	return bitVecLoadedState{fs: s.fs, dev: s.dev, bv: bv}, nil
}

type bitVecLoadedState struct {
	fs  *os.File
	dev *massstorage.Device
	bv  *sparsefile.BitVec
}

func (s bitVecLoadedState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: decode request: %w", err)
	}
	switch req.Kind {
	case proto.ReqStartCopy:
		return s.copy(c)
	case proto.ReqEnd:
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
		return endState{}, nil
	default:
		ulog.Errorf("fs2dev", "bad request")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); err != nil {
			return nil, err
		}
		return nil, errors.New("fs2dev: bad request")
	}
}

// copy streams every contiguous run of touched sectors from the formatted
// image file to the real device, mirroring CopyingState::run in
// usbsas-fs2dev/src/lib.rs.
func (s bitVecLoadedState) copy(c *Comm) (state, error) {
	if err := comm.Send(c, proto.Response{Kind: proto.RespStartCopy}); err != nil {
		return nil, err
	}

	fi, err := s.fs.Stat()
	if err != nil {
		return nil, err
	}
	fsSize := fi.Size()

	totalSize := uint64(0)
	for i := int64(0); i < s.bv.NumSectors(); i++ {
		if s.bv.IsSet(i) {
			totalSize += sectorSize
		}
	}

	currentSize := uint64(0)
	it := newBitVecIterOnes(s.bv)
	buffer := make([]byte, bufferMaxWriteSize)
	for {
		start, stop, ok := it.next()
		if !ok {
			break
		}
		sectorStartPos := start * sectorSize
		sectorCount := stop - start
		writeSize := sectorCount * sectorSize

		size := writeSize
		pad := int64(0)
		if sectorStartPos+writeSize > fsSize {
			size = fsSize - sectorStartPos
			pad = writeSize - size
		}

		if _, err := s.fs.Seek(sectorStartPos, 0); err != nil {
			return nil, err
		}
		if _, err := s.fs.Read(buffer[:size]); err != nil {
			return nil, fmt.Errorf("fs2dev: read formatted image: %w", err)
		}
		for i := int64(0); i < pad; i++ {
			buffer[size+i] = 0
		}

		if err := s.dev.WriteSectors(uint64(start), buffer[:size+pad]); err != nil {
			return nil, fmt.Errorf("fs2dev: write sectors: %w", err)
		}

		currentSize += uint64(writeSize)
		if err := comm.Send(c, proto.Response{Kind: proto.RespStatus, Status: statusOf(currentSize, totalSize, false)}); err != nil {
			return nil, err
		}
	}
	if err := comm.Send(c, proto.Response{Kind: proto.RespStatus, Status: statusOf(currentSize, totalSize, true)}); err != nil {
		return nil, err
	}
	return waitEndState{}, nil
}

func statusOf(done, total uint64, finished bool) common.Status {
	st := common.Status{Done: done, Total: total}
	if finished {
		st.Message = "done"
	}
	return st
}

type wipingState struct {
	fs  *os.File
	dev *massstorage.Device
}

func (s wipingState) run(c *Comm) (state, error) {
	if err := comm.Send(c, proto.Response{Kind: proto.RespWipe}); err != nil {
		return nil, err
	}

	buffer := make([]byte, bufferMaxWriteSize)
	totalSize := s.dev.DevSize
	todo := totalSize
	sectorIndex := uint64(0)
	currentSize := uint64(0)

	for todo > 0 {
		writeBuf := buffer
		sectorCount := uint64(len(buffer)) / sectorSize
		if todo < uint64(len(buffer)) {
			sectorCount = todo / sectorSize
			writeBuf = buffer[:todo]
		}
		if err := s.dev.WriteSectors(sectorIndex, writeBuf); err != nil {
			return nil, fmt.Errorf("fs2dev: wipe write: %w", err)
		}
		currentSize += uint64(len(writeBuf))
		if err := comm.Send(c, proto.Response{Kind: proto.RespStatus, Status: statusOf(currentSize, totalSize, false)}); err != nil {
			return nil, err
		}
		todo -= uint64(len(writeBuf))
		sectorIndex += sectorCount
	}
	if err := comm.Send(c, proto.Response{Kind: proto.RespStatus, Status: statusOf(currentSize, totalSize, true)}); err != nil {
		return nil, err
	}
	return devOpenedState{fs: s.fs, dev: s.dev}, nil
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("fs2dev: decode request: %w", err)
	}
	if req.Kind == proto.ReqEnd {
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
	} else {
		ulog.Errorf("fs2dev", "unexpected req")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); err != nil {
			return nil, err
		}
	}
	return endState{}, nil
}
