// Package process spawns usbsas worker children and wires up the
// anonymous-pipe pair each one communicates over, grounded on
// usbsas-process/src/lib.rs's UsbsasChildSpawner. The original forks the
// running binary in place; Go workers are separate cmd/usbsas-* binaries,
// so spawning here is fork+exec via os/exec with inherited extra fds rather
// than a bare fork — the idiomatic Go equivalent of the same plumbing.
package process

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/usbsas/usbsas/internal/comm"
	ulog "github.com/usbsas/usbsas/internal/log"
)

// ChildInFd and ChildOutFd are the fixed fd numbers a worker binary finds
// its parent-facing Comm on: 3 to read requests, 4 to write responses.
// Set via os/exec's ExtraFiles, which always appends starting at fd 3.
const (
	ChildInFd  = 3
	ChildOutFd = 4
)

// Spawner builds and launches one worker child process.
type Spawner struct {
	path string
	args []string
}

// New starts building a spawn of the binary at path.
func New(path string) *Spawner {
	return &Spawner{path: path}
}

// Arg appends one argv entry, mirroring the original's builder-style .arg().
func (s *Spawner) Arg(a string) *Spawner {
	s.args = append(s.args, a)
	return s
}

// Child is a running worker: its pid, its Comm back to the parent, and the
// waitable underlying process handle.
type Child[ReqT, RespT any] struct {
	cmd  *exec.Cmd
	Comm *comm.Comm[ReqT, RespT]
}

// Spawn forks and execs the worker binary, returning a typed Comm bound to
// the new child's stdin/stdout-adjacent fds 3 and 4.
func Spawn[ReqT, RespT any](s *Spawner) (*Child[ReqT, RespT], error) {
	parentToChildR, parentToChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: pipe: %w", err)
	}
	childToParentR, childToParentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: pipe: %w", err)
	}

	cmd := exec.Command(s.path, s.args...)
	cmd.ExtraFiles = []*os.File{parentToChildR, childToParentW} // fd 3, fd 4 in the child
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		parentToChildR.Close()
		parentToChildW.Close()
		childToParentR.Close()
		childToParentW.Close()
		return nil, fmt.Errorf("process: start %s: %w", s.path, err)
	}
	ulog.Logf(nil, "spawned child %s with pid %d", s.path, cmd.Process.Pid)

	// The parent keeps its own ends only; the child's copies (inherited
	// across fork) must be closed here or reads never see EOF on exit.
	parentToChildR.Close()
	childToParentW.Close()

	return &Child[ReqT, RespT]{
		cmd:  cmd,
		Comm: comm.New[ReqT, RespT](childToParentR, parentToChildW),
	}, nil
}

// Wait blocks until the child exits.
func (c *Child[ReqT, RespT]) Wait() error {
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("process: wait pid %d: %w", c.cmd.Process.Pid, err)
	}
	return nil
}

// Pid returns the child's process id.
func (c *Child[ReqT, RespT]) Pid() int { return c.cmd.Process.Pid }

// ChildComm builds the Comm a worker binary uses to talk back to its
// parent, reading fds 3 and 4 inherited via ExtraFiles.
func ChildComm[ReqT, RespT any]() *comm.Comm[ReqT, RespT] {
	return comm.FromFds[ReqT, RespT](ChildInFd, ChildOutFd)
}
