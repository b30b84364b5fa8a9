// Package session carries the process-wide transfer session identity
// described in spec.md §3 ("Session"): a fresh id generated once per
// transfer, the output directory intermediate files live under, and the
// keep_tmp_files retention flag. It is process-local state set at startup,
// matching spec.md §9's note on the original's global session id.
package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// EnvVar is the environment variable name carrying the session id, created
// if absent (spec.md §6).
const EnvVar = "USBSAS_SESSION_ID"

// Session is the handle every worker and the orchestrator hold for the
// lifetime of exactly one transfer.
type Session struct {
	ID          string
	OutDir      string
	KeepTmpFile bool
}

// New resolves the session id from the environment, generating and
// exporting one if absent, and returns a Session rooted at outDir.
func New(outDir string, keepTmp bool) (*Session, error) {
	id := os.Getenv(EnvVar)
	if id == "" {
		id = uuid.NewString()
		if err := os.Setenv(EnvVar, id); err != nil {
			return nil, fmt.Errorf("session: setenv %s: %w", EnvVar, err)
		}
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", outDir, err)
	}
	return &Session{ID: id, OutDir: outDir, KeepTmpFile: keepTmp}, nil
}

// Path joins a session-scoped filename (e.g. "usbsas_<id>.tar") under OutDir.
func (s *Session) Path(name string) string {
	return filepath.Join(s.OutDir, name)
}

// StagedArchivePath is usbsas_<session>.tar.
func (s *Session) StagedArchivePath() string { return s.Path("usbsas_" + s.ID + ".tar") }

// CleanArchivePath is usbsas_<session>_clean.tar.
func (s *Session) CleanArchivePath() string { return s.Path("usbsas_" + s.ID + "_clean.tar") }

// ImagePath is usbsas_<session>.img.
func (s *Session) ImagePath() string { return s.Path("usbsas_" + s.ID + ".img") }

// Cleanup removes session-scoped temporary files unless KeepTmpFile is set.
func (s *Session) Cleanup() {
	if s.KeepTmpFile {
		return
	}
	for _, p := range []string{s.StagedArchivePath(), s.CleanArchivePath(), s.ImagePath()} {
		_ = os.Remove(p)
	}
}
