// Package tar2files serves getattr/readdir/readfile requests against a
// transfer archive previously written by files2tar, grounded on
// usbsas-tar2files/src/lib.rs.
package tar2files

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/usbsas/usbsas/internal/proto/common"
)

// DataDir is the fixed top-level directory files2tar nests a staging
// archive's entries under; entries outside it are ignored except for the
// single top-level config.json, matching TAR_DATA_DIR's strip_prefix/
// config.json special case in the original.
const DataDir = "data"

// ErrNotFound is returned when a path has no entry in the archive.
var ErrNotFound = errors.New("tar2files: not found")

// attrs is one archive entry's metadata, persisted in bbolt rather than
// held in memory so a transfer archive with many entries doesn't pin it
// all in the worker's resident set, per rclone's own on-disk persistent
// cache over bbolt (backend/cache/storage_persistent.go).
type attrs struct {
	FType     common.FileType
	Size      uint64
	Timestamp int64
	Offset    int64
}

const bucketName = "entries"

// Index is the bbolt-backed offset table built once by LoadFromTar and
// queried by every subsequent GetAttr/ReadDir/ReadFile.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if absent) the bbolt database at dbPath.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("tar2files: open index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("tar2files: create bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error { return idx.db.Close() }

// LoadFromTar walks archive's headers once, recording each entry's type,
// size, timestamp and raw data offset. Entries not under DataDir are
// skipped, except a top-level config.json, which is indexed under its own
// name. archive must be
// an io.ReadSeeker (an *os.File in production) so the start of each
// entry's data can be recovered with Seek(0, io.SeekCurrent): archive/tar
// never reads ahead of the current entry's boundary, so the underlying
// stream's position right after Next() returns is exactly that offset —
// the Go equivalent of the tar crate's raw_file_position().
func (idx *Index) LoadFromTar(archive io.ReadSeeker) error {
	r := tar.NewReader(archive)
	dataPrefix := strings.TrimSuffix(DataDir, "/") + "/"

	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for {
			hdr, err := r.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("tar2files: read header: %w", err)
			}

			var ftype common.FileType
			switch hdr.Typeflag {
			case tar.TypeDir:
				ftype = common.FileTypeDirectory
			case tar.TypeReg:
				ftype = common.FileTypeRegular
			default:
				continue
			}

			var key string
			if name, ok := strings.CutPrefix(hdr.Name, dataPrefix); ok {
				key = strings.TrimSuffix(name, "/")
			} else if hdr.Name == "config.json" {
				key = hdr.Name
			} else {
				continue
			}

			off, err := archive.Seek(0, io.SeekCurrent)
			if err != nil {
				return fmt.Errorf("tar2files: seek current offset: %w", err)
			}
			a := attrs{FType: ftype, Size: uint64(hdr.Size), Timestamp: hdr.ModTime.Unix(), Offset: off}
			encoded, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("tar2files: marshal entry %q: %w", key, err)
			}
			if err := b.Put([]byte(key), encoded); err != nil {
				return fmt.Errorf("tar2files: put entry %q: %w", key, err)
			}
		}
	})
}

func (idx *Index) get(path string) (attrs, error) {
	path = strings.Trim(path, "/")
	var a attrs
	err := idx.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(bucketName)).Get([]byte(path))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &a)
	})
	return a, err
}

// children lists every direct child of dir (one path component deeper,
// no recursive descendants), matching the original's readdir filter.
func (idx *Index) children(dir string) ([]common.FileInfo, error) {
	dir = strings.Trim(dir, "/")
	var out []common.FileInfo
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry := string(k)
			if entry == dir {
				continue
			}
			if dir != "" && !strings.HasPrefix(entry, dir+"/") {
				continue
			}
			rest := entry
			if dir != "" {
				rest = strings.TrimPrefix(entry, dir+"/")
			}
			if strings.Contains(rest, "/") {
				continue
			}
			var a attrs
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, common.FileInfo{Path: entry, Size: a.Size, Type: a.FType})
		}
		return nil
	})
	return out, err
}
