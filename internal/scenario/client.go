package scenario

import (
	"fmt"
	"net"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/proto/common"
	usbsaspb "github.com/usbsas/usbsas/internal/proto/usbsas"
)

// client drives the usbsas client protocol over a Unix socket, the same
// wire shape cmd/usbsas-orchestrator's --socket flag serves, grounded on
// how cmd/usbsas-imager drives dev2scsi/usbdev directly rather than going
// through a GUI front-end.
type client struct {
	comm *comm.Comm[usbsaspb.Request, usbsaspb.Response]
	conn net.Conn
}

func dialClient(socketPath string) (*client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("scenario: dial %s: %w", socketPath, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("scenario: unexpected connection type %T", conn)
	}
	f, err := unixConn.File()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("scenario: dup conn: %w", err)
	}
	return &client{comm: comm.New[usbsaspb.Request, usbsaspb.Response](f, f), conn: conn}, nil
}

func (c *client) close() { c.conn.Close() }

// roundTrip sends req and reads back responses, skipping over any
// unsolicited RespStatus pushes, until it sees one with a different Kind.
func (c *client) roundTrip(req usbsaspb.Request) (usbsaspb.Response, error) {
	if err := comm.Send(c.comm, req); err != nil {
		return usbsaspb.Response{}, fmt.Errorf("scenario: send %d: %w", req.Kind, err)
	}
	for {
		buf, err := comm.RecvRaw(c.comm)
		if err != nil {
			return usbsaspb.Response{}, fmt.Errorf("scenario: recv for %d: %w", req.Kind, err)
		}
		resp, err := usbsaspb.UnmarshalResponse(buf)
		if err != nil {
			return usbsaspb.Response{}, fmt.Errorf("scenario: decode response for %d: %w", req.Kind, err)
		}
		if resp.Kind == usbsaspb.RespStatus {
			continue
		}
		if resp.Kind == usbsaspb.RespError {
			return resp, fmt.Errorf("scenario: request %d: %s", req.Kind, resp.Error.Message)
		}
		return resp, nil
	}
}

// readDirRecursive walks every directory ReqReadDir reports, returning the
// flattened list of every path the source exposes (files and dirs alike),
// for a scenario that selects everything with "/".
func (c *client) readDirRecursive(path string) ([]string, error) {
	var out []string
	resp, err := c.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqReadDir, Path: path})
	if err != nil {
		return nil, err
	}
	for _, f := range resp.Files {
		out = append(out, f.Path)
		if f.Type == common.FileTypeDirectory {
			sub, err := c.readDirRecursive(f.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	return out, nil
}
