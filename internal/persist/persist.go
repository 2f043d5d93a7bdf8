// Package persist saves and restores canvas snapshots on disk.
//
// A snapshot is a metadata record (meta.json) next to a gzip-compressed
// dump of the raw pixel buffer (canvas.dat.gz). Saves are atomic via
// temp-file-then-rename; older dumps can be rotated into backups/.
package persist

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	// snapshotVersion is bumped when the on-disk layout changes. Load
	// rejects snapshots written by a different version.
	snapshotVersion = 1

	metaFileName = "meta.json"
	dumpFileName = "canvas.dat.gz"
	backupDir    = "backups"
	appDirName   = "pixelbattle"
)

// ErrSnapshotMismatch is returned by Load when the persisted version or
// dimensions do not match the running configuration. Callers fall back to
// a fresh canvas.
var ErrSnapshotMismatch = errors.New("snapshot does not match configuration")

// Meta describes a persisted canvas dump.
type Meta struct {
	Version      int       `json:"version"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	LastModified time.Time `json:"lastModified"`
	Compressed   bool      `json:"compressed"`
	TotalPixels  uint64    `json:"totalPixels"`
}

// Store reads and writes snapshots in a single directory.
type Store struct {
	dir        string
	maxBackups int
}

// NewStore creates a Store rooted at dir, keeping at most maxBackups
// rotated dumps. Pass an empty dir to use the default state path.
func NewStore(dir string, maxBackups int) *Store {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &Store{dir: dir, maxBackups: maxBackups}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) metaPath() string { return filepath.Join(s.dir, metaFileName) }
func (s *Store) dumpPath() string { return filepath.Join(s.dir, dumpFileName) }

// Save writes the pixel buffer and its metadata atomically. The directory
// is created if needed.
func (s *Store) Save(pixels []byte, width, height int, totalPixels uint64) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	if err := s.writeDump(pixels); err != nil {
		return err
	}

	meta := Meta{
		Version:      snapshotVersion,
		Width:        width,
		Height:       height,
		LastModified: time.Now().UTC(),
		Compressed:   true,
		TotalPixels:  totalPixels,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	data = append(data, '\n')

	return atomicWrite(s.dir, s.metaPath(), data)
}

func (s *Store) writeDump(pixels []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".canvas-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp dump: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(pixels); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp dump: %w", err)
	}
	if err := os.Rename(tmpPath, s.dumpPath()); err != nil {
		return fmt.Errorf("renaming dump: %w", err)
	}
	committed = true
	return nil
}

// Load reads the persisted buffer, verifying version and dimensions
// against the running configuration. Returns os.ErrNotExist when no
// snapshot is present and ErrSnapshotMismatch when one exists but does
// not fit.
func (s *Store) Load(width, height int) ([]byte, uint64, error) {
	metaData, err := os.ReadFile(s.metaPath())
	if err != nil {
		return nil, 0, err
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, 0, fmt.Errorf("parsing meta: %w", err)
	}
	if meta.Version != snapshotVersion || meta.Width != width || meta.Height != height {
		return nil, 0, fmt.Errorf("%w: have v%d %dx%d, want v%d %dx%d",
			ErrSnapshotMismatch, meta.Version, meta.Width, meta.Height, snapshotVersion, width, height)
	}

	f, err := os.Open(s.dumpPath())
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if meta.Compressed {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, 0, fmt.Errorf("opening dump: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	pixels, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("reading dump: %w", err)
	}
	if len(pixels) != width*height {
		return nil, 0, fmt.Errorf("%w: dump holds %d cells, want %d", ErrSnapshotMismatch, len(pixels), width*height)
	}
	return pixels, meta.TotalPixels, nil
}

// CreateBackup copies the current dump into backups/ with a timestamped
// name, then prunes the oldest backups beyond the configured limit. A
// missing dump is not an error; there is simply nothing to back up.
func (s *Store) CreateBackup() error {
	src, err := os.Open(s.dumpPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening dump for backup: %w", err)
	}
	defer src.Close()

	dir := filepath.Join(s.dir, backupDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}

	name := fmt.Sprintf("canvas-%s.dat.gz", time.Now().UTC().Format("20060102-150405.000"))
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copying backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing backup: %w", err)
	}

	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	if s.maxBackups <= 0 {
		return nil
	}
	dir := filepath.Join(s.dir, backupDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.maxBackups {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.maxBackups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("pruning backup %s: %w", name, err)
		}
	}
	return nil
}

func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	committed = true
	return nil
}

// defaultStateDir returns ~/.local/state/pixelbattle, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
