// Package analyzer submits a transfer's staged tar archive to a remote
// scan service (e.g. a ClamAV fronting server) and reports back which
// staged files came back clean or dirty, grounded on
// usbsas-net/src/analyzer.rs.
package analyzer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/usbsas/usbsas/internal/httpclient"
	"github.com/usbsas/usbsas/internal/tar2files"
)

// dataDirPrefix is the staged-data directory prefix results are reported
// relative to, matching TAR_DATA_DIR.
var dataDirPrefix = strings.TrimRight(tar2files.DataDir, "/") + "/"

// scanResponse is the server's JSON envelope, matching JsonRes{status, id,
// files}. files is only populated once status == "scanned".
type scanResponse struct {
	Status string            `json:"status"`
	Id     string             `json:"id"`
	Files  map[string]string `json:"files"`
}

// fileReaderProgress wraps a file being uploaded, reporting progress via
// report every tenth read (and unconditionally on the final read), matching
// the original's FileReaderProgress.
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

// result carries an analyze pass's outcome, split by verdict.
type result struct {
	Clean []string
	Dirty []string
}

// analyze uploads file (sized filesize) to url/uid, then polls url/uid
// (extended with the server's assigned id if it replied "uploaded") until
// the scan completes, returning the clean/dirty split of staged paths.
func analyze(client *httpclient.Client, baseURL, uid string, file io.Reader, filesize uint64, reportUpload func(current, total uint64) error) (result, error) {
	url := httpclient.TrimURL(baseURL) + "/" + uid

	res, err := upload(client, url, file, filesize, reportUpload)
	if err != nil {
		return result{}, fmt.Errorf("analyzer: upload: %w", err)
	}
	if res.Status == "uploaded" {
		url = httpclient.TrimURL(url) + "/" + res.Id
	}

	scanned, err := pollResult(client, url)
	if err != nil {
		return result{}, fmt.Errorf("analyzer: poll: %w", err)
	}

	var r result
	for path, status := range scanned {
		if status == "CLEAN" {
			r.Clean = append(r.Clean, path)
		} else {
			r.Dirty = append(r.Dirty, path)
		}
	}
	return r, nil
}

func upload(client *httpclient.Client, url string, file io.Reader, filesize uint64, reportUpload func(current, total uint64) error) (scanResponse, error) {
	body := &fileReaderProgress{file: file, filesize: filesize, report: reportUpload}
	resp, err := client.Post(url, body, int64(filesize))
	if err != nil {
		return scanResponse{}, err
	}
	defer resp.Body.Close()
	if !httpclient.IsSuccess(resp) {
		return scanResponse{}, fmt.Errorf("analyzer: remote error, status %s", resp.Status)
	}
	var res scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return scanResponse{}, fmt.Errorf("analyzer: decode upload response: %w", err)
	}
	return res, nil
}

func pollResult(client *httpclient.Client, url string) (map[string]string, error) {
	for {
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}
		if !httpclient.IsSuccess(resp) {
			resp.Body.Close()
			return nil, fmt.Errorf("analyzer: remote error, status %s", resp.Status)
		}
		var res scanResponse
		err = json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("analyzer: decode poll response: %w", err)
		}
		switch res.Status {
		case "scanned":
			out := make(map[string]string, len(res.Files))
			for path, status := range res.Files {
				if stripped, ok := strings.CutPrefix(path, dataDirPrefix); ok {
					out[stripped] = status
				}
			}
			return out, nil
		case "uploaded", "processing":
			time.Sleep(time.Second)
		default:
			return nil, fmt.Errorf("analyzer: unexpected remote status %q", res.Status)
		}
	}
}
