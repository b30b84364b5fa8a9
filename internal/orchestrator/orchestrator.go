package orchestrator

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	identifierpb "github.com/usbsas/usbsas/internal/proto/identifier"
	usbsaspb "github.com/usbsas/usbsas/internal/proto/usbsas"
	"github.com/usbsas/usbsas/internal/session"
)

// ClientComm is the duplex channel the orchestrator speaks to its own
// front-end over, either a pair of inherited fds or an accepted Unix
// socket connection.
type ClientComm = comm.Comm[usbsaspb.Request, usbsaspb.Response]

// State is one step of the transfer state machine, grounded on the State
// enum and RunState trait in usbsas-usbsas/src/states.rs.
type State interface {
	run(o *Orchestrator) (State, error)
}

// Orchestrator holds everything a state needs: the client channel, every
// spawned worker, the live device map and the static configuration.
type Orchestrator struct {
	Client   *ClientComm
	Children *Children
	Config   *config.Config
	Session  *session.Session
	Devices  Devices
}

// New builds an Orchestrator ready to run from Init, with every worker
// already spawned and the device map seeded from config.
func New(client *ClientComm, children *Children, cfg *config.Config, sess *session.Session) *Orchestrator {
	return &Orchestrator{
		Client:   client,
		Children: children,
		Config:   cfg,
		Session:  sess,
		Devices:  NewDevices(cfg),
	}
}

// exitState is the terminal sentinel Run stops on, equivalent to the
// original's State::Exit arm (which itself called process::exit(0); Go
// instead just returns from Run so main can unwind cleanly).
type exitState struct{}

func (exitState) run(*Orchestrator) (State, error) {
	return nil, fmt.Errorf("orchestrator: already exited")
}

// Run drives the transfer from Init to Exit, mirroring main.rs's
// main_loop: any state error is reported to the client and forces a
// report-less End rather than aborting the process outright, so the
// front-end always gets a clean End/Exit handshake.
func (o *Orchestrator) Run() error {
	var state State = initState{}
	for {
		next, err := state.run(o)
		if err != nil {
			ulog.Errorf("orchestrator", "state error: %v", err)
			if serr := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespError, Error: respError(err)}); serr != nil {
				return serr
			}
			state = endState{report: nil}
			continue
		}
		if _, done := next.(exitState); done {
			return nil
		}
		state = next
	}
}

// sendClientError reports a recoverable per-request error to the client
// without tearing down the current state, mirroring the places states.rs
// answers a bad request with Msg::Error instead of aborting the transfer.
func (o *Orchestrator) sendClientError(err error) error {
	return comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespError, Error: respError(err)})
}

// sendStatus pushes an unsolicited progress frame to the client.
func (o *Orchestrator) sendStatus(current, total uint64, done bool, tag usbsaspb.StatusTag) error {
	return comm.Send(o.Client, usbsaspb.Response{
		Kind: usbsaspb.RespStatus, Current: current, Total: total, Done: done, Tag: tag,
	})
}

// userID asks the identificator worker for the operator id exactly once,
// mirroring RunState::userid: an empty answer is reported to the client
// as an error rather than as a hard failure.
func (o *Orchestrator) userID() (string, error) {
	if err := comm.Send(o.Children.Identificator.Comm, identifierpb.Request{Kind: identifierpb.ReqUserId}); err != nil {
		return "", fmt.Errorf("orchestrator: userid request: %w", err)
	}
	buf, err := comm.RecvRaw(o.Children.Identificator.Comm)
	if err != nil {
		return "", fmt.Errorf("orchestrator: userid recv: %w", err)
	}
	rep, err := identifierpb.UnmarshalResponse(buf)
	if err != nil {
		return "", fmt.Errorf("orchestrator: userid decode: %w", err)
	}
	if rep.Kind == identifierpb.RespError {
		return "", fmt.Errorf("orchestrator: identificator: %s", rep.Error.Message)
	}
	if rep.UserId == "" {
		if serr := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespError, Error: respError(fmt.Errorf("empty ID"))}); serr != nil {
			return "", serr
		}
		return "", nil
	}
	if err := comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespUserId, UserId: rep.UserId}); err != nil {
		return "", err
	}
	return rep.UserId, nil
}

// devicesReply refreshes USB devices then answers a Devices request,
// mirroring RunState::devices.
func (o *Orchestrator) devicesReply(includeAlt bool) error {
	if err := o.Devices.Refresh(o.Children); err != nil {
		return err
	}
	return comm.Send(o.Client, usbsaspb.Response{Kind: usbsaspb.RespDevices, Devices: o.Devices.Filtered(includeAlt)})
}
