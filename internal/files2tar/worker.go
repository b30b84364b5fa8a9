package files2tar

import (
	"errors"
	"fmt"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/proto/common"
	proto "github.com/usbsas/usbsas/internal/proto/writetar"
	"github.com/usbsas/usbsas/internal/sandbox"
)

func respError(err error) common.ResponseError {
	return common.ResponseError{Message: err.Error()}
}

// Comm is the typed channel the files2tar worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the files2tar state machine: open the destination archive
// once, then serve NewFile/WriteFile/EndFile/Close/End requests.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will create archivePath on first run. prefix,
// when non-empty, nests every entry under /<prefix> and appends a trailing
// infos.json summarizing the transfer.
func New(c *Comm, archivePath, prefix string) *Worker {
	return &Worker{comm: c, state: initState{archivePath: archivePath, prefix: prefix}}
}

// NewEnd builds a Worker already in its drain-to-End state, for the
// "usbsas is resetting, nothing to archive" path.
func NewEnd(c *Comm) *Worker {
	return &Worker{comm: c, state: waitEndState{}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("files2tar", "state run error: %v", err)
			if sendErr := comm.Send(w.comm, proto.Response{
				Kind:  proto.RespError,
				Error: common.ResponseError{Message: fmt.Sprintf("run error: %v", err)},
			}); sendErr != nil {
				return sendErr
			}
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("files2tar: already ended") }

type initState struct {
	archivePath string
	prefix      string
}

func (s initState) run(c *Comm) (state, error) {
	f, err := os.OpenFile(s.archivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("files2tar: open archive: %w", err)
	}

	var archive ArchiveWriter = NewTarWriter(f, s.prefix)

	if err := sandbox.Files2Tar(c.InputFd(), c.OutputFd(), int(f.Fd())); err != nil {
		return nil, err
	}

	if err := archive.Init(); err != nil {
		return nil, fmt.Errorf("files2tar: init archive: %w", err)
	}
	return waitNewFileState{archive: archive}, nil
}

type waitNewFileState struct {
	archive ArchiveWriter
}

func (s waitNewFileState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2tar: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2tar: decode request: %w", err)
	}
	switch req.Kind {
	case proto.ReqNewFile:
		if err := s.archive.NewFile(req.Path, req.FType, req.Size, req.Timestamp); err != nil {
			ulog.Errorf("files2tar", "couldn't add file %q: %v", req.Path, err)
			if sendErr := comm.Send(c, proto.Response{
				Kind:  proto.RespError,
				Error: respError(err),
			}); sendErr != nil {
				return nil, sendErr
			}
			return s, nil
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespNewFile}); err != nil {
			return nil, err
		}
		return writingFileState{archive: s.archive, totalSize: req.Size}, nil
	case proto.ReqClose:
		if err := s.archive.Finish(req); err != nil {
			return nil, fmt.Errorf("files2tar: finish archive: %w", err)
		}
		if err := comm.Send(c, proto.Response{Kind: proto.RespClose}); err != nil {
			return nil, err
		}
		return waitEndState{}, nil
	case proto.ReqEnd:
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
		return endState{}, nil
	default:
		return nil, errors.New("files2tar: unexpected request")
	}
}

type writingFileState struct {
	archive    ArchiveWriter
	lenWritten uint64
	totalSize  uint64
}

func (s writingFileState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("files2tar: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("files2tar: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqWriteFile:
			s.lenWritten += uint64(len(req.Data))
			if s.lenWritten > s.totalSize {
				return nil, errors.New("files2tar: data oversize while writing file in archive")
			}
			if err := s.archive.WriteFile(req.Data); err != nil {
				return nil, fmt.Errorf("files2tar: write file: %w", err)
			}
			if err := comm.Send(c, proto.Response{Kind: proto.RespWriteFile}); err != nil {
				return nil, err
			}
		case proto.ReqEndFile:
			if err := s.archive.EndFile(int(s.lenWritten)); err != nil {
				return nil, fmt.Errorf("files2tar: end file: %w", err)
			}
			if err := comm.Send(c, proto.Response{Kind: proto.RespEndFile}); err != nil {
				return nil, err
			}
			return waitNewFileState{archive: s.archive}, nil
		default:
			return nil, errors.New("files2tar: unexpected request")
		}
	}
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("files2tar: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("files2tar: decode request: %w", err)
	}
	if req.Kind == proto.ReqEnd {
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
	} else {
		ulog.Errorf("files2tar", "unexpected req")
		if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad request"))}); err != nil {
			return nil, err
		}
	}
	return endState{}, nil
}
