package files2tar

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/usbsas/usbsas/internal/proto/common"
	"github.com/usbsas/usbsas/internal/proto/writetar"
)

// TarWriter is the stdlib archive/tar realization of ArchiveWriter. If
// prefix is non-empty every entry is nested under a /<prefix> directory
// and a trailing infos.json summarizes the transfer, mirroring the
// original's optional USBSAS-<hostname> top-level layout.
type TarWriter struct {
	w      *tar.Writer
	closer io.Closer
	prefix string
	files  []string
}

// NewTarWriter wraps w (the already-opened destination archive file).
func NewTarWriter(w io.Writer, prefix string) *TarWriter {
	tw := &TarWriter{w: tar.NewWriter(w), prefix: prefix}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

func (t *TarWriter) Init() error {
	if t.prefix == "" {
		return nil
	}
	hdr := &tar.Header{
		Name:     t.prefix,
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		Format:   tar.FormatUSTAR,
	}
	return t.w.WriteHeader(hdr)
}

func (t *TarWriter) NewFile(path string, ftype common.FileType, size uint64, timestamp int64) error {
	hdr := &tar.Header{
		ModTime: time.Unix(timestamp, 0),
		Format:  tar.FormatUSTAR,
	}
	switch ftype {
	case common.FileTypeRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0o644
		hdr.Size = int64(size)
	case common.FileTypeDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = 0o755
	default:
		return fmt.Errorf("files2tar: bad file type")
	}

	name := strings.TrimPrefix(path, "/")
	t.files = append(t.files, name)
	if t.prefix != "" {
		name = t.prefix + "/" + name
	}
	hdr.Name = name
	return t.w.WriteHeader(hdr)
}

func (t *TarWriter) WriteFile(data []byte) error {
	_, err := t.w.Write(data)
	return err
}

// EndFile has nothing left to flush: archive/tar's Writer pads the
// current entry to the 512-byte block boundary itself on the next
// WriteHeader or Close call.
func (t *TarWriter) EndFile(lenWritten int) error { return nil }

func (t *TarWriter) Finish(req writetar.Request) error {
	if t.prefix != "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "Unknown"
		}
		infos := struct {
			Time         float64  `json:"time"`
			Name         string   `json:"name"`
			Id           string   `json:"id"`
			FileNames    []string `json:"file_names"`
			VendorId     string   `json:"vendorid"`
			ProductId    string   `json:"productid"`
			Manufacturer string   `json:"manufacturer"`
			Serial       string   `json:"serial"`
			Description  string   `json:"description"`
		}{
			Time:         float64(time.Now().UnixNano()) / 1e9,
			Name:         "USBSAS-" + hostname,
			Id:           req.Id,
			FileNames:    t.files,
			VendorId:     req.VendorId,
			ProductId:    req.ProductId,
			Manufacturer: req.Manufacturer,
			Serial:       req.Serial,
			Description:  req.Description,
		}
		body, err := json.Marshal(infos)
		if err != nil {
			return fmt.Errorf("files2tar: marshal infos.json: %w", err)
		}
		hdr := &tar.Header{
			Name:     "infos.json",
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
			ModTime:  time.Now(),
			Format:   tar.FormatUSTAR,
		}
		if err := t.w.WriteHeader(hdr); err != nil {
			return fmt.Errorf("files2tar: write infos.json header: %w", err)
		}
		if _, err := t.w.Write(body); err != nil {
			return fmt.Errorf("files2tar: write infos.json: %w", err)
		}
	}

	if err := t.w.Close(); err != nil {
		return fmt.Errorf("files2tar: close archive: %w", err)
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
