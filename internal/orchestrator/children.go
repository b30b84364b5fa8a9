// Package orchestrator implements the usbsas-usbsas transfer state
// machine: it spawns every worker child, speaks the client-facing
// internal/proto/usbsas protocol to a GUI or CLI front-end, and drives a
// single transfer from device selection through to a written report,
// grounded on usbsas-usbsas/src/{main,states,lib}.rs.
package orchestrator

import (
	"fmt"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	analyzerpb "github.com/usbsas/usbsas/internal/proto/analyzer"
	"github.com/usbsas/usbsas/internal/proto/common"
	cmdexecpb "github.com/usbsas/usbsas/internal/proto/cmdexec"
	downloaderpb "github.com/usbsas/usbsas/internal/proto/downloader"
	filespb "github.com/usbsas/usbsas/internal/proto/files"
	fs2devpb "github.com/usbsas/usbsas/internal/proto/fs2dev"
	identifierpb "github.com/usbsas/usbsas/internal/proto/identifier"
	uploaderpb "github.com/usbsas/usbsas/internal/proto/uploader"
	usbdevpb "github.com/usbsas/usbsas/internal/proto/usbdev"
	writefspb "github.com/usbsas/usbsas/internal/proto/writefs"
	writetarpb "github.com/usbsas/usbsas/internal/proto/writetar"
	"github.com/usbsas/usbsas/internal/session"
)

type (
	scsiChild       = process.Child[filespb.Request, filespb.Response]
	tar2filesChild  = process.Child[filespb.Request, filespb.Response]
	files2fsChild   = process.Child[writefspb.Request, writefspb.Response]
	files2tarChild  = process.Child[writetarpb.Request, writetarpb.Response]
	downloaderChild = process.Child[downloaderpb.Request, downloaderpb.Response]
	uploaderChild   = process.Child[uploaderpb.Request, uploaderpb.Response]
	analyzerChild   = process.Child[analyzerpb.Request, analyzerpb.Response]
	fs2devChild     = process.Child[fs2devpb.Request, fs2devpb.Response]
	cmdexecChild    = process.Child[cmdexecpb.Request, cmdexecpb.Response]
	identifierChild = process.Child[identifierpb.Request, identifierpb.Response]
	usbdevChild     = process.Child[usbdevpb.Request, usbdevpb.Response]
)

// Children holds every worker spawned for the lifetime of the orchestrator
// process, mirroring usbsas-usbsas/src/children.rs's Children struct. One
// orchestrator process serves exactly one transfer; workers exit with it.
type Children struct {
	Scsi2Files    *scsiChild
	Tar2Files     *tar2filesChild
	Files2Fs      *files2fsChild
	Files2Tar     *files2tarChild
	Files2CleanTar *files2tarChild
	Downloader    *downloaderChild
	Uploader      *uploaderChild
	Analyzer      *analyzerChild
	Fs2Dev        *fs2devChild
	Cmdexec       *cmdexecChild
	Identificator *identifierChild
	Usbdev        *usbdevChild

	tar2filesUnlocked bool
}

// SpawnAll starts every worker child for one transfer, grounded on
// Children::spawn in usbsas-usbsas/src/children.rs: the archive/image
// paths are pre-created by the caller and handed to the workers that need
// them, the rest are spawned bare and wait for their first request.
func SpawnAll(cfg *config.Config, configPath string, sess *session.Session) (*Children, error) {
	c := &Children{}

	scsi2files, err := process.Spawn[filespb.Request, filespb.Response](
		process.New("usbsas-scsi2files"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn scsi2files: %w", err)
	}
	c.Scsi2Files = scsi2files

	tar2files, err := process.Spawn[filespb.Request, filespb.Response](
		process.New("usbsas-tar2files").Arg("--archive").Arg(sess.StagedArchivePath()))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn tar2files: %w", err)
	}
	c.Tar2Files = tar2files

	files2fs, err := process.Spawn[writefspb.Request, writefspb.Response](
		process.New("usbsas-files2fs").Arg("--device").Arg(sess.ImagePath()))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn files2fs: %w", err)
	}
	c.Files2Fs = files2fs

	files2tar, err := process.Spawn[writetarpb.Request, writetarpb.Response](
		process.New("usbsas-files2tar").Arg("--archive").Arg(sess.StagedArchivePath()).Arg("--prefix").Arg(""))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn files2tar: %w", err)
	}
	c.Files2Tar = files2tar

	cleanSpawner := process.New("usbsas-files2tar").Arg("--archive").Arg(sess.CleanArchivePath()).Arg("--prefix").Arg("")
	if cfg.Analyzer.URL == "" {
		// Nothing will ever be written to the clean tar without an
		// analyzer configured; spawn it in the no-op drain mode.
		cleanSpawner = process.New("usbsas-files2tar").Arg("--no-archive")
	}
	files2cleantar, err := process.Spawn[writetarpb.Request, writetarpb.Response](cleanSpawner)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn files2cleantar: %w", err)
	}
	c.Files2CleanTar = files2cleantar

	downloader, err := process.Spawn[downloaderpb.Request, downloaderpb.Response](
		process.New("usbsas-downloader").Arg("--archive").Arg(sess.StagedArchivePath()).Arg("--config").Arg(configPath))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn downloader: %w", err)
	}
	c.Downloader = downloader

	uploader, err := process.Spawn[uploaderpb.Request, uploaderpb.Response](
		process.New("usbsas-uploader").Arg("--archive").Arg(sess.CleanArchivePath()))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn uploader: %w", err)
	}
	c.Uploader = uploader

	analyzer, err := process.Spawn[analyzerpb.Request, analyzerpb.Response](
		process.New("usbsas-analyzer").Arg("--archive").Arg(sess.StagedArchivePath()).Arg("--config").Arg(configPath))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn analyzer: %w", err)
	}
	c.Analyzer = analyzer

	fs2dev, err := process.Spawn[fs2devpb.Request, fs2devpb.Response](
		process.New("usbsas-fs2dev").Arg("--fs").Arg(sess.ImagePath()))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn fs2dev: %w", err)
	}
	c.Fs2Dev = fs2dev

	cmdexec, err := process.Spawn[cmdexecpb.Request, cmdexecpb.Response](
		process.New("usbsas-cmdexec").
			Arg("--out-tar").Arg(sess.StagedArchivePath()).
			Arg("--out-fs").Arg(sess.ImagePath()).
			Arg("--config").Arg(configPath))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn cmdexec: %w", err)
	}
	c.Cmdexec = cmdexec

	identificator, err := process.Spawn[identifierpb.Request, identifierpb.Response](
		process.New("usbsas-identificator").Arg("--config").Arg(configPath))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn identificator: %w", err)
	}
	c.Identificator = identificator

	usbdev, err := process.Spawn[usbdevpb.Request, usbdevpb.Response](
		process.New("usbsas-usbdev").Arg("--config").Arg(configPath))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn usbdev: %w", err)
	}
	c.Usbdev = usbdev

	return c, nil
}

// AllFds returns every child's two fds, for the sandbox policy call that
// allows write()/read() on the pipes belonging to children this process
// has already spawned.
func (c *Children) AllFds() (reads, writes []int) {
	type fder interface {
		InputFd() int
		OutputFd() int
	}
	for _, comms := range []fder{
		c.Scsi2Files.Comm, c.Tar2Files.Comm, c.Files2Fs.Comm, c.Files2Tar.Comm,
		c.Files2CleanTar.Comm, c.Downloader.Comm, c.Uploader.Comm, c.Analyzer.Comm,
		c.Fs2Dev.Comm, c.Cmdexec.Comm, c.Identificator.Comm, c.Usbdev.Comm,
	} {
		reads = append(reads, comms.InputFd())
		writes = append(writes, comms.OutputFd())
	}
	return reads, writes
}

// EndWaitAll sends End to every child and waits for each process to exit,
// mirroring Children::end_wait_all: a transfer never leaves orphaned
// worker processes behind, successful or not.
func (c *Children) EndWaitAll() {
	type ender struct {
		name string
		end  func() error
		wait func() error
	}
	enders := []ender{
		{"scsi2files", func() error { return comm.Send(c.Scsi2Files.Comm, filespb.Request{Kind: filespb.ReqEnd}) }, c.Scsi2Files.Wait},
		{"tar2files", func() error { return comm.Send(c.Tar2Files.Comm, filespb.Request{Kind: filespb.ReqEnd}) }, c.Tar2Files.Wait},
		{"files2fs", func() error { return comm.Send(c.Files2Fs.Comm, writefspb.Request{Kind: writefspb.ReqEnd}) }, c.Files2Fs.Wait},
		{"files2tar", func() error { return comm.Send(c.Files2Tar.Comm, writetarpb.Request{Kind: writetarpb.ReqEnd}) }, c.Files2Tar.Wait},
		{"files2cleantar", func() error { return comm.Send(c.Files2CleanTar.Comm, writetarpb.Request{Kind: writetarpb.ReqEnd}) }, c.Files2CleanTar.Wait},
		{"downloader", func() error { return comm.Send(c.Downloader.Comm, downloaderpb.Request{Kind: downloaderpb.ReqEnd}) }, c.Downloader.Wait},
		{"uploader", func() error { return comm.Send(c.Uploader.Comm, uploaderpb.Request{Kind: uploaderpb.ReqEnd}) }, c.Uploader.Wait},
		{"analyzer", func() error { return comm.Send(c.Analyzer.Comm, analyzerpb.Request{Kind: analyzerpb.ReqEnd}) }, c.Analyzer.Wait},
		{"fs2dev", func() error { return comm.Send(c.Fs2Dev.Comm, fs2devpb.Request{Kind: fs2devpb.ReqEnd}) }, c.Fs2Dev.Wait},
		{"cmdexec", func() error { return comm.Send(c.Cmdexec.Comm, cmdexecpb.Request{Kind: cmdexecpb.ReqEnd}) }, c.Cmdexec.Wait},
		{"identificator", func() error { return comm.Send(c.Identificator.Comm, identifierpb.Request{Kind: identifierpb.ReqEnd}) }, c.Identificator.Wait},
		{"usbdev", func() error { return comm.Send(c.Usbdev.Comm, usbdevpb.Request{Kind: usbdevpb.ReqEnd}) }, c.Usbdev.Wait},
	}
	for _, e := range enders {
		if err := e.end(); err != nil {
			ulog.Errorf("orchestrator", "end %s: %v", e.name, err)
			continue
		}
		if err := e.wait(); err != nil {
			ulog.Errorf("orchestrator", "wait %s: %v", e.name, err)
		}
	}
}

// respError wraps a Go error in the shared ResponseError envelope.
func respError(err error) common.ResponseError {
	return common.ResponseError{Message: err.Error()}
}
