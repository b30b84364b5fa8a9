// Package uploader sends a transfer's staged tar archive to a configured
// network destination, grounded on usbsas-net/src/uploader.rs.
package uploader

import (
	"fmt"
	"io"

	"github.com/usbsas/usbsas/internal/httpclient"
)

// fileReaderProgress wraps the staging tar file being uploaded, reporting
// progress via report every tenth read (and unconditionally on the final
// read), matching the original's FileReaderProgress.
type fileReaderProgress struct {
	file     io.Reader
	filesize uint64
	offset   uint64
	report   func(current, total uint64) error
}

func (p *fileReaderProgress) Read(buf []byte) (int, error) {
	n, err := p.file.Read(buf)
	if n > 0 {
		p.offset += uint64(n)
		if (p.offset/uint64(n))%10 == 0 || p.offset == p.filesize {
			if rerr := p.report(p.offset, p.filesize); rerr != nil {
				return n, rerr
			}
		}
	}
	return n, err
}

// upload POSTs src (sized filesize) to url, reporting progress via
// reportProgress.
func upload(client *httpclient.Client, url string, src io.Reader, filesize uint64, reportProgress func(current, total uint64) error) error {
	body := &fileReaderProgress{file: src, filesize: filesize, report: reportProgress}
	resp, err := client.Post(url, body, int64(filesize))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !httpclient.IsSuccess(resp) {
		return fmt.Errorf("uploader: unknown status code %s", resp.Status)
	}
	return nil
}
