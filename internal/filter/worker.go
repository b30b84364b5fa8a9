package filter

import (
	"errors"
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/filter"
)

// Comm is the typed channel the filter worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the filter worker's run loop, grounded on
// usbsas-filter/src/lib.rs's State enum (Init/Running/End).
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the filter worker's state machine: load rules once from
// the TOML configuration, then serve FilterPaths/End requests until End.
type Worker struct {
	comm  *Comm
	state state
}

// NewWorker builds a Worker that will load its rules from configPath on
// first run.
func NewWorker(c *Comm, configPath string) *Worker {
	return &Worker{comm: c, state: initState{configPath: configPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		if err != nil {
			return err
		}
		if _, done := next.(endState); done {
			return nil
		}
		w.state = next
	}
}

type endState struct{}

func (endState) run(*Comm) (state, error) { return nil, errors.New("filter: already ended") }

type initState struct {
	configPath string
}

func (s initState) run(c *Comm) (state, error) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("filter: load config: %w", err)
	}
	rules := make([]Rule, len(cfg.Filters))
	for i, f := range cfg.Filters {
		rules[i] = Rule{Contain: f.Contain, Start: f.Start, End: f.End, Exact: f.Exact}
	}
	return runningState{rules: New(rules)}, nil
}

type runningState struct {
	rules Rules
}

func (s runningState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("filter: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("filter: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqFilterPaths:
			if err := s.filterPaths(c, req.Paths); err != nil {
				return nil, err
			}
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, fmt.Errorf("filter: send end: %w", err)
			}
			return endState{}, nil
		default:
			if err := comm.Send(c, proto.Response{
				Kind:  proto.RespError,
				Error: errorOf("filter: unexpected request in Running state"),
			}); err != nil {
				return nil, err
			}
		}
	}
}

func (s runningState) filterPaths(c *Comm, paths []string) error {
	resp := proto.Response{Kind: proto.RespFilterPaths}
	for _, p := range paths {
		var rk proto.ResultKind
		if s.rules.MatchAll(p) == PathFiltered {
			rk = proto.ResultFiltered
		}
		resp.Results = append(resp.Results, struct {
			Path   string
			Result proto.ResultKind
		}{p, rk})
	}
	ulog.Debugf("filter", "results for %d paths", len(paths))
	return comm.Send(c, resp)
}
