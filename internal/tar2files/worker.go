package tar2files

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/files"
	"github.com/usbsas/usbsas/internal/sandbox"
)

// Comm is the typed channel the tar2files worker speaks over. It reuses
// the scsi2files request/response schema: getattr/readdir/readfile/end are
// the same shape regardless of which source they're served from.
type Comm = comm.Comm[proto.Request, proto.Response]

const readFileMaxSize = 10 * 1024 * 1024

// indexPath is where LoadFromTar keeps its bbolt offset table; a fresh
// worker process gets its own private file, removed once the archive is
// fully drained.
const indexPath = "/tmp/usbsas-tar2files-index.db"

type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the tar2files state machine: wait for the unlock signal,
// index the archive's headers once, then serve getattr/readdir/readfile.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will open tarPath once unlocked.
func New(c *Comm, tarPath string) *Worker {
	return &Worker{comm: c, state: initState{tarPath: tarPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("tar2files", "state run error: %v", err)
			_ = comm.Send(w.comm, proto.Response{Kind: proto.RespError, Error: respError(err)})
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("tar2files: already ended") }

type initState struct {
	tarPath string
}

func (s initState) run(c *Comm) (state, error) {
	buf := make([]byte, 8)
	if err := comm.ReadExact(c, buf); err != nil {
		return nil, fmt.Errorf("tar2files: recv unlock: %w", err)
	}
	unlock := binary.LittleEndian.Uint64(buf)
	if unlock != 1 {
		if err := sandbox.Tar2Files(c.InputFd(), c.OutputFd(), -1); err != nil {
			return nil, err
		}
		return waitEndState{}, nil
	}

	archive, err := os.Open(s.tarPath)
	if err != nil {
		return nil, fmt.Errorf("tar2files: open archive: %w", err)
	}
	if err := sandbox.Tar2Files(c.InputFd(), c.OutputFd(), int(archive.Fd())); err != nil {
		return nil, err
	}
	return loadMetadataState{archive: archive}, nil
}

type loadMetadataState struct {
	archive *os.File
}

func (s loadMetadataState) run(c *Comm) (state, error) {
	idx, err := OpenIndex(indexPath)
	if err != nil {
		return nil, err
	}
	if err := idx.LoadFromTar(s.archive); err != nil {
		idx.Close()
		return nil, fmt.Errorf("tar2files: load metadata: %w", err)
	}
	return mainLoopState{archive: s.archive, idx: idx}, nil
}

type mainLoopState struct {
	archive *os.File
	idx     *Index
}

func (s mainLoopState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("tar2files: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("tar2files: decode request: %w", err)
		}
		var opErr error
		switch req.Kind {
		case proto.ReqGetAttr:
			opErr = s.getattr(c, req.Path)
		case proto.ReqReadFile:
			opErr = s.readfile(c, req.Path, req.Offset, req.Size)
		case proto.ReqReadDir:
			opErr = s.readdir(c, req.Path)
		case proto.ReqEnd:
			s.idx.Close()
			os.Remove(indexPath)
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			opErr = errors.New("tar2files: unexpected request")
		}
		if opErr != nil {
			ulog.Errorf("tar2files", "%v", opErr)
			if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(opErr)}); err != nil {
				return nil, err
			}
		}
	}
}

func (s mainLoopState) getattr(c *Comm, path string) error {
	a, err := s.idx.get(path)
	if err != nil {
		return fmt.Errorf("tar2files: didn't find %q in metadata: %w", path, err)
	}
	return comm.Send(c, proto.Response{Kind: proto.RespGetAttr, FType: a.FType, Size: a.Size, Timestamp: a.Timestamp})
}

func (s mainLoopState) readfile(c *Comm, path string, fileOffset, size uint64) error {
	if size > readFileMaxSize {
		return errors.New("tar2files: max read size exceeded")
	}
	a, err := s.idx.get(path)
	if err != nil {
		return fmt.Errorf("tar2files: didn't find %q in metadata: %w", path, err)
	}
	data := make([]byte, size)
	if _, err := s.archive.Seek(a.Offset+int64(fileOffset), io.SeekStart); err != nil {
		return fmt.Errorf("tar2files: seek: %w", err)
	}
	if _, err := io.ReadFull(s.archive, data); err != nil {
		return fmt.Errorf("tar2files: read: %w", err)
	}
	return comm.Send(c, proto.Response{Kind: proto.RespReadFile, Data: data})
}

func (s mainLoopState) readdir(c *Comm, path string) error {
	files, err := s.idx.children(path)
	if err != nil {
		return fmt.Errorf("tar2files: readdir %q: %w", path, err)
	}
	return comm.Send(c, proto.Response{Kind: proto.RespReadDir, Files: files})
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("tar2files: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("tar2files: decode request: %w", err)
	}
	if req.Kind == proto.ReqEnd {
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
	} else {
		ulog.Errorf("tar2files", "unexpected req")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); err != nil {
			return nil, err
		}
	}
	return endState{}, nil
}
