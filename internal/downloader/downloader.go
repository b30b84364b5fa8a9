// Package downloader fetches a transfer's source archive from a remote
// network location into a local staging tar file, grounded on
// usbsas-net/src/downloader.rs.
package downloader

import (
	"fmt"
	"io"
	"strconv"

	"github.com/usbsas/usbsas/internal/httpclient"
)

// fileWriterProgress wraps the staging tar file being written, reporting
// progress via report every tenth write (and unconditionally on the final
// write), matching the original's FileWriterProgress.
type fileWriterProgress struct {
	file     io.Writer
	filesize uint64
	offset   uint64
	report   func(current, total uint64) error
}

func (p *fileWriterProgress) Write(buf []byte) (int, error) {
	n, err := p.file.Write(buf)
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

// archiveInfos issues a HEAD at url and returns the archive's uncompressed
// size, carried in the X-Uncompressed-Content-Length header even when the
// transport compresses the body in flight.
func archiveInfos(client *httpclient.Client, url string) (uint64, error) {
	resp, err := client.Head(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if !httpclient.IsSuccess(resp) {
		return 0, fmt.Errorf("downloader: unknown status code %s", resp.Status)
	}
	h := resp.Header.Get("X-Uncompressed-Content-Length")
	if h == "" {
		return 0, fmt.Errorf("downloader: bad response, missing size header")
	}
	size, err := strconv.ParseUint(h, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("downloader: bad response, malformed size header: %w", err)
	}
	return size, nil
}

// download GETs url and streams the body into dst, reporting progress via
// reportProgress.
func download(client *httpclient.Client, url string, dst io.Writer, filesize uint64, reportProgress func(current, total uint64) error) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !httpclient.IsSuccess(resp) {
		return fmt.Errorf("downloader: unknown status code %s", resp.Status)
	}
	w := &fileWriterProgress{file: dst, filesize: filesize, report: reportProgress}
	_, err = io.Copy(w, resp.Body)
	return err
}
