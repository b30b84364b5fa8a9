package cmdexec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/proto/common"
	proto "github.com/usbsas/usbsas/internal/proto/cmdexec"
)

// Comm is the typed channel the cmdexec worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the cmdexec worker's run loop, grounded on
// usbsas-cmdexec/src/lib.rs's State enum (Init/Running/WaitEnd/End).
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the cmdexec worker: wait for an unlock byte naming which
// archive to act on, then run the configured command and/or post-copy
// command against it.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will act on outTar/outFs once unlocked.
func New(c *Comm, outTar, outFs, configPath string) *Worker {
	return &Worker{comm: c, state: initState{outTar: outTar, outFs: outFs, configPath: configPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("cmdexec", "state run error: %v", err)
			if serr := comm.Send(w.comm, proto.Response{Kind: proto.RespError, Error: respError(err)}); serr != nil {
				return serr
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("cmdexec: already ended") }

const (
	unlockNothing  = 0
	unlockUseTar   = 1
	unlockUseClean = 2
)

type initState struct {
	outTar, outFs, configPath string
}

func (s initState) run(c *Comm) (state, error) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("cmdexec: load config: %w", err)
	}

	var unlock [1]byte
	if err := comm.ReadExact(c, unlock[:]); err != nil {
		return nil, fmt.Errorf("cmdexec: read unlock: %w", err)
	}

	switch unlock[0] {
	case unlockNothing:
		return waitEndState{}, nil
	case unlockUseTar:
	case unlockUseClean:
		s.outTar = strings.TrimSuffix(s.outTar, ".tar") + "_clean.tar"
	default:
		ulog.Errorf("cmdexec", "bad unlock value")
		return waitEndState{}, nil
	}

	ulog.Debugf("cmdexec", "unlocked, using archive %s", s.outTar)

	return &runningState{
		outTar:       s.outTar,
		outFs:        s.outFs,
		cmd:          cfg.Command,
		postCopyCmd:  cfg.PostCopy,
		haveCmd:      cfg.Command.Bin != "",
		havePostCopy: cfg.PostCopy.CommandBin != "",
	}, nil
}

type runningState struct {
	outTar, outFs string
	cmd           config.CommandDest
	postCopyCmd   config.PostCopy
	haveCmd       bool
	havePostCopy  bool
}

func (s *runningState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("cmdexec: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("cmdexec: decode request: %w", err)
		}

		var opErr error
		switch req.Kind {
		case proto.ReqExec:
			opErr = s.exec(c)
		case proto.ReqPostCopyExec:
			opErr = s.postCopy(c, req.OutFileType)
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			opErr = errors.New("cmdexec: bad request")
		}
		if opErr != nil {
			ulog.Errorf("cmdexec", "%v", opErr)
			if serr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(opErr)}); serr != nil {
				return nil, serr
			}
		}
	}
}

func (s *runningState) exec(c *Comm) error {
	if !s.haveCmd {
		return errors.New("no command in conf")
	}
	s.haveCmd = false
	args := replaceArgSource(s.cmd.Args, s.outTar)
	if err := runCmd(s.cmd.Bin, args); err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespExec})
}

func (s *runningState) postCopy(c *Comm, outft common.OutFsType) error {
	if !s.havePostCopy {
		return errors.New("no command in configuration file")
	}
	s.havePostCopy = false
	var target string
	switch outft {
	case common.OutFsDisk:
		target = s.outFs
	case common.OutFsTar:
		target = s.outTar
	default:
		return errors.New("cmdexec: bad request")
	}
	args := replaceArgSource(s.postCopyCmd.CommandArgs, target)
	if err := runCmd(s.postCopyCmd.CommandBin, args); err != nil {
		return err
	}
	return comm.Send(c, proto.Response{Kind: proto.RespPostCopyExec})
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	ulog.Debugf("cmdexec", "wait end state")
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("cmdexec: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("cmdexec: decode request: %w", err)
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
