package identificator

import (
	"errors"
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/identifier"
)

// Comm is the typed channel the identificator worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the identificator worker's run loop: Init, Running,
// WaitEnd, End, mirroring the Init/Running/WaitEnd/End shape every other
// usbsas worker shares.
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the identificator worker: read the configured identification
// command once, then answer UserId/End requests with its result.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will identify the operator using configPath's
// [identificator] table.
func New(c *Comm, configPath string) *Worker {
	return &Worker{comm: c, state: initState{configPath: configPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("identificator", "state run error: %v", err)
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("identificator: already ended") }

type initState struct {
	configPath string
}

func (s initState) run(c *Comm) (state, error) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("identificator: load config: %w", err)
	}
	ulog.Debugf("identificator", "init state")
	return runningState{cmd: cfg.Identificator}, nil
}

type runningState struct {
	cmd config.Identificator
}

func (s runningState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("identificator: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("identificator: decode request: %w", err)
		}

		switch req.Kind {
		case proto.ReqUserId:
			userid, err := fetchUserId(s.cmd)
			if err != nil {
				ulog.Errorf("identificator", "%v", err)
				if serr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); serr != nil {
					return nil, serr
				}
				continue
			}
			if err := comm.Send(c, proto.Response{Kind: proto.RespUserId, UserId: userid}); err != nil {
				return nil, err
			}
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("identificator: bad request"))}); err != nil {
				return nil, err
			}
		}
	}
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	ulog.Debugf("identificator", "wait end state")
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("identificator: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("identificator: decode request: %w", err)
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
