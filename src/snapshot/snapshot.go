package snapshot

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	// DefaultFallbackEncoding is tried when the log is not valid UTF-8.
	DefaultFallbackEncoding = "gbk"
	backupPrefix            = "fail_log_"
	backupSuffix            = ".log"
	timestampLayout         = "20060102150405"
)

// ErrNothingToSave is returned when the source log is missing or empty.
var ErrNothingToSave = errors.New("snapshot: source log missing or empty")

// Record describes one backup. It is never mutated after Take returns it.
type Record struct {
	SourcePath string
	BackupPath string
	Timestamp  time.Time
	// Encoding is "utf-8" or the fallback encoding that decoded the source.
	Encoding string
}

// Snapshotter copies the run log to a timestamped backup on failure.
type Snapshotter struct {
	SourcePath string
	// BackupDir defaults to the directory of SourcePath.
	BackupDir string
	// FallbackEncoding is an IANA/WHATWG encoding name, default "gbk".
	FallbackEncoding string
	// Now is overridable for tests.
	Now func() time.Time
}

// BackupName returns fail_log_<YYYYMMDDHHMMSS>.log for t.
func BackupName(t time.Time) string {
	return backupPrefix + t.Format(timestampLayout) + backupSuffix
}

// Take writes one backup of the source log. The source is copied verbatim
// when it is valid UTF-8 and re-encoded to UTF-8 from the fallback
// encoding otherwise.
func (s *Snapshotter) Take() (Record, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	rec := Record{SourcePath: s.SourcePath, Timestamp: now()}

	st, err := os.Stat(s.SourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, fmt.Errorf("%w: %s does not exist", ErrNothingToSave, s.SourcePath)
		}
		return rec, fmt.Errorf("snapshot: stat %s: %w", s.SourcePath, err)
	}
	if st.Size() == 0 {
		return rec, fmt.Errorf("%w: %s is empty", ErrNothingToSave, s.SourcePath)
	}

	raw, err := os.ReadFile(s.SourcePath)
	if err != nil {
		return rec, fmt.Errorf("snapshot: read %s: %w", s.SourcePath, err)
	}
	if len(raw) == 0 {
		return rec, fmt.Errorf("%w: %s is empty", ErrNothingToSave, s.SourcePath)
	}

	content := raw
	rec.Encoding = "utf-8"
	if !utf8.Valid(raw) {
		name, enc, err := s.fallback()
		if err != nil {
			return rec, err
		}
		content, err = enc.NewDecoder().Bytes(raw)
		if err != nil {
			return rec, fmt.Errorf("snapshot: decode %s as %s: %w", s.SourcePath, name, err)
		}
		rec.Encoding = name
	}

	dir := s.BackupDir
	if dir == "" {
		dir = filepath.Dir(s.SourcePath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return rec, fmt.Errorf("snapshot: backup dir %s: %w", dir, err)
	}
	rec.BackupPath = filepath.Join(dir, BackupName(rec.Timestamp))
	if err := writeOnce(rec.BackupPath, content); err != nil {
		return rec, err
	}
	return rec, nil
}

// SnapshotOnFailure takes a backup and only logs the result, so callers in
// a teardown path never fail because of it.
func (s *Snapshotter) SnapshotOnFailure() {
	rec, err := s.Take()
	switch {
	case errors.Is(err, ErrNothingToSave):
		log.Printf("snapshot: WARNING %v, no backup written", err)
	case err != nil:
		log.Printf("snapshot: ERROR saving log: %v", err)
	case rec.Encoding != "utf-8":
		log.Printf("snapshot: WARNING log saved to %s (decoded as %s)", rec.BackupPath, rec.Encoding)
	default:
		log.Printf("snapshot: WARNING log saved to %s", rec.BackupPath)
	}
}

func (s *Snapshotter) fallback() (string, encoding.Encoding, error) {
	name := s.FallbackEncoding
	if name == "" {
		name = DefaultFallbackEncoding
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return name, nil, fmt.Errorf("snapshot: unknown fallback encoding %q: %w", name, err)
	}
	return name, enc, nil
}

func writeOnce(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return f.Close()
}
