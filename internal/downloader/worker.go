package downloader

import (
	"errors"
	"fmt"
	"os"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	"github.com/usbsas/usbsas/internal/httpclient"
	ulog "github.com/usbsas/usbsas/internal/log"
	proto "github.com/usbsas/usbsas/internal/proto/downloader"
	"github.com/usbsas/usbsas/internal/sandbox"
)

// Comm is the typed channel the downloader worker speaks over.
type Comm = comm.Comm[proto.Request, proto.Response]

// state is one step of the downloader worker's run loop, grounded on
// usbsas-net/src/downloader.rs's State enum (Init/Running/WaitEnd/End).
type state interface {
	run(c *Comm) (state, error)
}

// Worker drives the downloader worker: fetch a source archive over a
// configured network source_network into a local staging tar file.
type Worker struct {
	comm  *Comm
	state state
}

// New builds a Worker that will write the downloaded archive to tarpath.
func New(c *Comm, tarpath, configPath string) *Worker {
	return &Worker{comm: c, state: initState{tarpath: tarpath, configPath: configPath}}
}

// Run drives the state machine to completion (the End state).
func (w *Worker) Run() error {
	for {
		next, err := w.state.run(w.comm)
		switch {
		case errors.Is(err, errNoConf):
			ulog.Logf("downloader", "no configuration for downloader, parking")
			w.state = waitEndState{}
			continue
		case err != nil:
			ulog.Errorf("downloader", "state run error: %v, waiting end", err)
			w.state = waitEndState{}
			continue
		}
		if _, done := next.(endState); done {
			return nil
		}
		w.state = next
	}
}

var errNoConf = errors.New("downloader: no conf")

type endState struct{}

func (endState) run(*Comm) (state, error) { return nil, errors.New("downloader: already ended") }

type initState struct {
	tarpath    string
	configPath string
}

func (s initState) run(c *Comm) (state, error) {
	if sandbox.Available() {
		if err := sandbox.Restrict([]sandbox.PathRule{
			{Path: s.configPath, Access: sandbox.AccessReadFile},
			{Path: "/etc", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/lib", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/usr/lib/", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: "/var/lib/usbsas", Access: sandbox.AccessReadFile | sandbox.AccessReadDir},
			{Path: s.tarpath, Access: sandbox.AccessWriteFile},
		}); err != nil {
			return nil, fmt.Errorf("downloader: landlock: %w", err)
		}
	}

	file, err := os.OpenFile(s.tarpath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("downloader: open tar: %w", err)
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("downloader: load config: %w", err)
	}
	if cfg.SourceNetwork == nil {
		file.Close()
		return nil, errNoConf
	}
	return &runningState{
		file:   file,
		url:    cfg.SourceNetwork.URL,
		client: httpclient.New(nil),
	}, nil
}

type runningState struct {
	file     *os.File
	url      string
	client   *httpclient.Client
	filesize uint64
	haveSize bool
}

func (s *runningState) run(c *Comm) (state, error) {
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("downloader: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("downloader: decode request: %w", err)
		}
		switch req.Kind {
		case proto.ReqArchiveInfos:
			s.url = httpclient.TrimURL(s.url) + "/" + req.Id
			size, err := archiveInfos(s.client, s.url)
			if err != nil {
				ulog.Errorf("downloader", "download error: %v", err)
				if serr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); serr != nil {
					return nil, serr
				}
				continue
			}
			s.filesize, s.haveSize = size, true
			if err := comm.Send(c, proto.Response{Kind: proto.RespArchiveInfos, Size: size}); err != nil {
				return nil, err
			}
		case proto.ReqDownload:
			if !s.haveSize {
				if err := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(errors.New("can't download before knowing the size"))}); err != nil {
					return nil, err
				}
				continue
			}
			if err := download(s.client, s.url, s.file, s.filesize, func(current, total uint64) error {
				return comm.Send(c, proto.Response{Kind: proto.RespDownloadStatus, CurrentSize: current, TotalSize: total})
			}); err != nil {
				ulog.Errorf("downloader", "download error: %v", err)
				if serr := comm.Send(c, proto.Response{Kind: proto.RespError, Error: respError(err)}); serr != nil {
					return nil, serr
				}
				return waitEndState{}, nil
			}
			if err := comm.Send(c, proto.Response{Kind: proto.RespDownload}); err != nil {
				return nil, err
			}
			return waitEndState{}, nil
		case proto.ReqEnd:
			if err := comm.Send(c, proto.Response{Kind: proto.RespEnd}); err != nil {
				return nil, err
			}
			return endState{}, nil
		default:
			return nil, errors.New("downloader: bad request")
		}
	}
}

type waitEndState struct{}

func (waitEndState) run(c *Comm) (state, error) {
	ulog.Debugf("downloader", "wait end state")
	for {
		buf, err := comm.RecvRaw(c)
		if err != nil {
			return nil, fmt.Errorf("downloader: recv: %w", err)
		}
		req, err := proto.UnmarshalRequest(buf)
		if err != nil {
			return nil, fmt.Errorf("downloader: decode request: %w", err)
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
