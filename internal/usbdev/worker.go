package usbdev

import (
	"errors"
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/usbdev"
	"github.com/usbsas/usbsas/internal/sandbox"
)

// Comm is the typed channel the usbdev worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the usbdev worker's run loop, grounded on
// usbsas-usbdev/src/lib.rs's State enum (Init/Running/WaitEnd/End).
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the usbdev worker: scan and poll for USB mass-storage
// devices in the background, answering Devices/End requests from the
// orchestrator.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker reading its port allowlist from configPath.
func New(c *Comm, configPath string) *Worker {
	return &Worker{comm: c, state: initState{configPath: configPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			ulog.Errorf("usbdev", "state run error: %v", err)
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

func (endState) run(*Comm) (state, error) { return nil, errors.New("usbdev: already ended") }

type initState struct {
	configPath string
}

func (s initState) run(c *Comm) (state, error) {
	ulog.Debugf("usbdev", "init state")

	if sandbox.Available() {
		rules := []sandbox.PathRule{
			{Path: s.configPath, Access: sandbox.AccessReadFile},
			{Path: "/sys/bus", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/sys/class", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/sys/devices", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/run/udev", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
		}
		// A scenario run points scanUsbDevices at a fixture tree outside
		// /sys entirely (see sysfs.go's USBSAS_MOCK_SYSFS_ROOT); admit it too.
		if root := sysfsUsbDevices; root != "/sys/bus/usb/devices" {
			rules = append(rules, sandbox.PathRule{Path: root, Access: sandbox.AccessReadFile | sandbox.AccessReadDir})
		}
		if err := sandbox.Restrict(rules); err != nil {
			return nil, fmt.Errorf("usbdev: landlock: %w", err)
		}
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("usbdev: load config: %w", err)
	}

	var ports *config.UsbPortAccesses
	if cfg.UsbPortAccesses.PortsSrc != nil || cfg.UsbPortAccesses.PortsDst != nil {
		p := cfg.UsbPortAccesses
		ports = &p
	}

	current := NewCurrentDevices(ports)
	stop := make(chan struct{})
	go pollLoop(current, stop)

	return runningState{current: current, stop: stop}, nil
}

type runningState struct {
	current *CurrentDevices
	stop    chan struct{}
}

func (s runningState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			close(s.stop)
			return nil, fmt.Errorf("usbdev: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			close(s.stop)
			return nil, fmt.Errorf("usbdev: decode request: %w", err)
		}

		switch req.Kind {
		case proto.ReqDevices:
			if err := comm.Send(c, proto.Response{Kind: proto.RespDevices, Devices: s.current.List()}); err != nil {
				close(s.stop)
				return nil, err
			}
		case proto.ReqEnd:
			close(s.stop)
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("usbdev: bad request"))}); err != nil {
				close(s.stop)
				return nil, err
			}
		}
	}
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	ulog.Debugf("usbdev", "wait end state")
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("usbdev: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("usbdev: decode request: %w", err)
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
