package uploader

import (
	"errors"
	"fmt"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/httpclient"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/uploader"
)

// Comm is the typed channel the uploader worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the uploader worker's run loop, grounded on
// usbsas-net/src/uploader.rs's State enum (Init/Running/WaitEnd/End).
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the uploader worker: read the transfer's staged tar
// archive once and POST it to the destination named in a single Upload
// request.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will read the archive to upload from tarpath.
func New(c *Comm, tarpath string) *Worker {
	return &Worker{comm: c, state: initState{tarpath: tarpath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("uploader", "state run error: %v, waiting end", err)
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("uploader: already ended") }

type initState struct {
	tarpath string
}

func (s initState) run(c *Comm) (state, error) {
	file, err := os.Open(s.tarpath)
	if err != nil {
		return nil, fmt.Errorf("uploader: open tar: %w", err)
	}
	return runningState{file: file}, nil
}

type runningState struct {
	file *os.File
}

func (s runningState) run(c *Comm) (state, error) {
	buf, err := comm.RecvRaw(c)
	if err != nil {
		return nil, fmt.Errorf("uploader: recv: %w", err)
	}
	req, err := proto.UnmarshalRequest(buf)
	if err != nil {
		return nil, fmt.Errorf("uploader: decode request: %w", err)
	}
	switch req.Kind {
	case proto.ReqUpload:
		if err := s.doUpload(c, req); err != nil {
			ulog.Errorf("uploader", "upload error: %v", err)
			if serr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); serr != nil {
				return nil, serr
			}
		}
		return waitEndState{}, nil
	case proto.ReqEnd:
		if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
			return nil, err
		}
		return endState{}, nil
	default:
		return nil, errors.New("uploader: bad request")
	}
}

func (s runningState) doUpload(c *Comm, req proto.Request) error {
	if s.file == nil {
		return errors.New("no file to upload")
	}
	defer s.file.Close()
	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat tar: %w", err)
	}
	url := httpclient.TrimURL(req.URL) + "/" + req.Id
	client := httpclient.New(nil)
	if err := upload(client, url, s.file, uint64(fi.Size()), func(current, total uint64) error {
		return comm.Send(c, proto.Response{Kind: proto.RespUploadStatus, CurrentSize: current, TotalSize: total})
	}); err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespUpload})
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	ulog.Debugf("uploader", "wait end state")
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("uploader: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("uploader: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("bad req, waiting end"))}); err != nil {
				return nil, err
			}
		}
	}
}
