package analyzer

import (
	"errors"
	"fmt"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	"github.com/usbsas/usbsas/internal/httpclient"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/analyzer"
	"github.com/usbsas/usbsas/internal/sandbox"
)

// Comm is the typed channel the analyzer worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the analyzer worker's run loop, grounded on
// usbsas-net/src/analyzer.rs's State enum (Init/Running/WaitEnd/End).
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the analyzer worker: read the transfer's staged tar
// archive and the application configuration, submit the archive for
// scanning if an [analyzer] section is configured, then report the
// clean/dirty file split.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that reads the tar archive at tarpath and the
// configuration at configPath on first run.
func New(c *Comm, tarpath, configPath string) *Worker {
	return &Worker{comm: c, state: initState{tarpath: tarpath, configPath: configPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("analyzer", "state run error: %v, waiting end", err)
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("analyzer: already ended") }

type initState struct {
	tarpath    string
	configPath string
}

func (s initState) run(c *Comm) (state, error) {
	if sandbox.Available() {
		if err := sandbox.Restrict([]sandbox.PathRule{
			{Path: s.tarpath, Access: sandbox.AccessReadFile},
			{Path: s.configPath, Access: sandbox.AccessReadFile},
			{Path: "/etc", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/lib", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/usr/lib/", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/var/lib/usbsas", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
		}); err != nil {
			return nil, fmt.Errorf("analyzer: landlock: %w", err)
		}
	}

	file, err := os.Open(s.tarpath)
	if err != nil {
		return nil, fmt.Errorf("analyzer: open tar: %w", err)
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("analyzer: load config: %w", err)
	}

	if cfg.Analyzer.URL == "" {
		file.Close()
		ulog.Logf("analyzer", "no analyzer conf, parking")
		return waitEndState{}, nil
	}

	return runningState{
		file:   file,
		url:    cfg.Analyzer.URL,
		client: httpclient.New(nil),
	}, nil
}

type runningState struct {
	file   *os.File
	url    string
	client *httpclient.Client
}

func (s runningState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("analyzer: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("analyzer: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqAnalyze:
			if err := s.doAnalyze(c, req.Id); err != nil {
				ulog.Errorf("analyzer", "%v", err)
				if serr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); serr != nil {
					return nil, serr
				}
			}
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, fmt.Errorf("analyzer: send end: %w", err)
			}
			return endState{}, nil
		default:
			if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("analyzer: unexpected request in Running state"))}); err != nil {
				return nil, err
			}
		}
	}
}

func (s *runningState) doAnalyze(c *Comm, uid string) error {
	if s.file == nil {
		return errors.New("analyzer: file already consumed")
	}
	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat tar: %w", err)
	}
	file := s.file
	s.file = nil

	res, err := analyze(s.client, s.url, uid, file, uint64(fi.Size()), func(current, total uint64) error {
		return comm.Send(c, proto.Response{Kind: proto.RespUploadStatus, CurrentSize: current, TotalSize: total})
	})
	if err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespAnalyze, Clean: res.Clean, Dirty: res.Dirty})
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	ulog.Debugf("analyzer", "wait end state")
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("analyzer: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("analyzer: decode request: %w", err)
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
