package files2fs

import (
	"errors"
	"fmt"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/writefs"
	"github.com/usbsas/usbsas/internal/sandbox"
	"github.com/usbsas/usbsas/internal/sparsefile"
)

// Comm is the typed channel the files2fs worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// bitVecChunkSize caps each ForwardBitVec response frame, matching
// FileBitVec::chunks(10 * 1024 * 1024) in usbsas-files2fs/src/lib.rs.
const bitVecChunkSize = 10 * 1024 * 1024

type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the files2fs state machine: open the destination image,
// format it per the client's SetFsInfos request, serve file/directory
// writes, then forward the write bitmap so fs2dev can sync only the
// touched sectors back to the real device.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will format and write into devPath.
func New(c *Comm, devPath string) *Worker {
	return &Worker{comm: c, state: initState{devPath: devPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("files2fs", "state run error: %v", err)
			_ = comm.Send(w.comm, proto.Response{Kind: proto.RespError, Error: respError(err)})
			w.state = waitEndState{}
			continue
		}
		if next == nil {
			// An error was already reported to the client; drain to End.
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("files2fs: already ended") }

type initState struct {
	devPath string
}

func (s initState) run(c *Comm) (state, error) {
	dev, err := os.OpenFile(s.devPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("files2fs: open device: %w", err)
	}
	if err := sandbox.Files2Fs(c.InputFd(), c.OutputFd(), int(dev.Fd())); err != nil {
		return nil, err
	}
	return waitFsInfosState{dev: dev}, nil
}

type waitFsInfosState struct {
	dev *os.File
}

func (s waitFsInfosState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2fs: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2fs: decode request: %w", err)
	}
	if req.Kind != proto.ReqSetFsInfos {
		return nil, errors.New("files2fs: expected SetFsInfos")
	}

	format, err := ParseOutFsFormat(req.FsType)
	if err != nil {
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); err != nil {
			return nil, err
		}
		return waitFsInfosState{dev: s.dev}, nil
	}

	sectorSize := req.SectorSize
	if sectorSize == 0 {
		sectorSize = fatSectorSize
	}
	sectorCount := uint32(req.DevSize / uint64(sectorSize))

	sf, err := sparsefile.New(s.dev, int64(sectorSize), int64(sectorCount))
	if err != nil {
		return nil, fmt.Errorf("files2fs: sparsefile: %w", err)
	}

	fw, err := Mkfs(sf, sectorCount, format)
	if err != nil {
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); err != nil {
			return nil, err
		}
		return waitFsInfosState{dev: s.dev}, nil
	}

	if err := comm.Send(c, proto.Response{Kind: proto.RespSetFsInfos}); err != nil {
		return nil, err
	}
	return waitNewFileState{dev: sf, fs: fw}, nil
}

// waitNewFileState serves everything except an in-progress file write:
// NewFile/NewDir/SetTimestamp/RemoveFile/ImgDisk/Close. Mirrors
// WaitNewFileState in usbsas-files2fs/src/lib.rs.
type waitNewFileState struct {
	dev *sparsefile.SparseFile
	fs  *FatWriter
}

func (s waitNewFileState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2fs: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2fs: decode request: %w", err)
	}

	switch req.Kind {
	case proto.ReqNewDir:
		if err := s.fs.NewDir(req.Path, req.Timestamp); err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		return s, comm.Send(c, proto.Response{Kind: proto.RespNewDir})
	case proto.ReqNewFile:
		fh, err := s.fs.NewFile(req.Path, req.Timestamp)
		if err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespNewFile}); err != nil {
			return nil, err
		}
		return writingFileState{dev: s.dev, fs: s.fs, file: fh}, nil
	case proto.ReqSetTimestamp:
		if err := s.fs.SetTimestamp(req.Path, req.Timestamp); err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		return s, comm.Send(c, proto.Response{Kind: proto.RespSetTimestamp})
	case proto.ReqRemoveFile:
		if err := s.fs.RemoveFile(req.Path); err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		return s, comm.Send(c, proto.Response{Kind: proto.RespRemoveFile})
	case proto.ReqImgDisk:
		if _, err := s.dev.Seek(int64(req.ImgOffset), 0); err != nil {
			return nil, err
		}
		if _, err := s.dev.Write(req.ImgData); err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		return s, comm.Send(c, proto.Response{Kind: proto.RespImgDisk})
	case proto.ReqClose:
		if err := comm.Send(c, proto.Response{Kind: proto.RespClose}); err != nil {
			return nil, err
		}
		return forwardBitVecState{dev: s.dev}, nil
	case proto.ReqEnd:
		s.dev.Close()
		return endState{}, comm.Send(c, proto.Response{Kind: proto.RespEnd})
	default:
		return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("files2fs: unexpected request"))})
	}
}

// writingFileState serves WriteFile/EndFile for the single file currently
// open, enforcing sequential (non-sparse) writes. Mirrors
// WritingFileState::write_file's offset check.
type writingFileState struct {
	dev  *sparsefile.SparseFile
	fs   *FatWriter
	file FileHandle
}

func (s writingFileState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2fs: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2fs: decode request: %w", err)
	}

	switch req.Kind {
	case proto.ReqWriteFile:
		if req.Offset != s.file.Offset() {
			// Sparse write attempted: drop the file and report the error,
			// matching files2fs's "sparse write not supported" behavior.
			err := fmt.Errorf("files2fs: sparse write not supported (got offset %d, expected %d)", req.Offset, s.file.Offset())
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		if err := s.file.Write(req.Data); err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		return s, comm.Send(c, proto.Response{Kind: proto.RespWriteFile})
	case proto.ReqEndFile:
		if err := s.file.Close(); err != nil {
			return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)})
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespEndFile}); err != nil {
			return nil, err
		}
		return waitNewFileState{dev: s.dev, fs: s.fs}, nil
	default:
		return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("files2fs: expected WriteFile or EndFile"))})
	}
}

// forwardBitVecState streams the write bitmap back in capped chunks once
// the transfer is Close()d, so fs2dev knows which sectors it must copy.
type forwardBitVecState struct {
	dev *sparsefile.SparseFile
}

func (s forwardBitVecState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2fs: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2fs: decode request: %w", err)
	}
	if req.Kind != proto.ReqBitVec {
		return nil, comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("files2fs: expected BitVec"))})
	}

	bv := s.dev.BitVec()
	chunks := bv.Chunks(bitVecChunkSize)
	for i, chunk := range chunks {
		if err := comm.Send(c, proto.Response{
			Kind:        proto.RespBitVec,
			BitVecChunk: chunk,
			EndOfChunks: i == len(chunks)-1,
			NumSectors:  uint64(bv.NumSectors()),
		}); err != nil {
			return nil, err
		}
	}
	return waitEndState{}, nil
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2fs: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2fs: decode request: %w", err)
	}
	if req.Kind == proto.ReqEnd {
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
	} else {
		ulog.Errorf("files2fs", "unexpected req")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); err != nil {
			return nil, err
		}
	}
	return endState{}, nil
}
