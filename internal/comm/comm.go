// Package comm implements the length-prefixed framing every worker and the
// orchestrator speak over their anonymous-pipe fds, grounded on
// usbsas-comm's Comm<R> type: an 8-byte little-endian length prefix followed
// by a proto3-wire-encoded message body.
package comm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrRemoteClosed is returned by RecvRaw when the peer's write end closed
// cleanly (EOF on the length prefix), distinguishing a normal End/exit from
// a torn frame.
var ErrRemoteClosed = errors.New("comm: remote closed")

// Message is implemented by every internal/proto/* request/response type.
type Message interface {
	Marshal() []byte
}

// Comm is the generic duplex channel a worker uses to talk to its parent,
// or the parent uses to talk to a child. ReqT and RespT stand in for Rust's
// PhantomData<R> marker: they pin the type the other direction decodes to,
// without being stored in any field.
type Comm[ReqT any, RespT any] struct {
	input  *os.File
	output *os.File
}

// New wraps an already-open input (read) and output (write) fd pair.
func New[ReqT any, RespT any](input, output *os.File) *Comm[ReqT, RespT] {
	return &Comm[ReqT, RespT]{input: input, output: output}
}

// FromFds builds a Comm from raw fd numbers inherited across fork/exec.
func FromFds[ReqT any, RespT any](inputFd, outputFd int) *Comm[ReqT, RespT] {
	return New[ReqT, RespT](os.NewFile(uintptr(inputFd), "comm-in"), os.NewFile(uintptr(outputFd), "comm-out"))
}

// Send writes one length-prefixed, wire-encoded frame.
func Send[ReqT, RespT any](c *Comm[ReqT, RespT], m Message) error {
	body := m.Marshal()
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(body)))
	if _, err := c.output.Write(hdr[:]); err != nil {
		return fmt.Errorf("comm: write length: %w", err)
	}
	if _, err := c.output.Write(body); err != nil {
		return fmt.Errorf("comm: write body: %w", err)
	}
	return nil
}

// RecvRaw reads one length-prefixed frame and returns its undecoded body.
func RecvRaw[ReqT, RespT any](c *Comm[ReqT, RespT]) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(c.input, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, ErrRemoteClosed
		}
		return nil, fmt.Errorf("comm: read length: %w", err)
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	const maxFrame = 512 * 1024 * 1024
	if n > maxFrame {
		return nil, fmt.Errorf("comm: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.input, body); err != nil {
		return nil, fmt.Errorf("comm: read body: %w", err)
	}
	return body, nil
}

// InputFd returns the underlying read fd, for sandbox policies that need
// to name it explicitly (seccomp rules keyed on a specific fd number).
func (c *Comm[ReqT, RespT]) InputFd() int { return int(c.input.Fd()) }

// OutputFd returns the underlying write fd, see InputFd.
func (c *Comm[ReqT, RespT]) OutputFd() int { return int(c.output.Fd()) }

// ReadExact reads len(buf) raw, unframed bytes — used for the workers'
// "unlock" handshakes (dev2scsi and fs2dev busnum/devnum, tar2files,
// cmdexec's one byte), which bypass the normal length-prefixed framing the
// same way Comm<R>'s std::io::Read impl lets usbsas-dev2scsi's InitState
// call read_exact directly on the pipe.
func ReadExact[ReqT, RespT any](c *Comm[ReqT, RespT], buf []byte) error {
	_, err := io.ReadFull(c.input, buf)
	return err
}

// WriteRaw writes buf unframed — the write-side counterpart of ReadExact,
// used to send the dev2scsi unlock payload.
func WriteRaw[ReqT, RespT any](c *Comm[ReqT, RespT], buf []byte) error {
	_, err := c.output.Write(buf)
	return err
}

// Close closes both fds. Safe to call once the worker is past its End state.
func (c *Comm[ReqT, RespT]) Close() error {
	errIn := c.input.Close()
	errOut := c.output.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}
