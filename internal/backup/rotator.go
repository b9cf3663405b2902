package backup

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// stampFormat is the second-resolution timestamp used in snapshot
	// file names. Collisions within one second get a numeric suffix.
	stampFormat = "20060102-150405"

	backupDirPerm = fs.FileMode(0o700)
)

// Entry is one retained snapshot of a synchronized file.
type Entry struct {
	Name      string
	Timestamp time.Time
	Path      string
}

// Rotator snapshots files before destructive overwrites and prunes old
// snapshots. Retention keeps the newest MinKeep entries unconditionally;
// beyond that floor, entries older than MaxAge are deleted.
type Rotator struct {
	dir     string
	minKeep int
	maxAge  time.Duration
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewRotator creates a rotator storing snapshots under dir, one
// subdirectory per file name.
func NewRotator(dir string, minKeep int, maxAge time.Duration, logger *slog.Logger) *Rotator {
	return &Rotator{
		dir:     dir,
		minKeep: minKeep,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// Snapshot copies the current content of path into the backup area for
// name. Returns a nil entry without error when the file does not exist
// yet: an overwrite of nothing needs no backup.
func (r *Rotator) Snapshot(name, path string) (*Entry, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s for backup: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	fileDir := filepath.Join(r.dir, name)
	if err := os.MkdirAll(fileDir, backupDirPerm); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	ts := r.now()

	dest, err := r.openSnapshot(fileDir, ts, info.Mode().Perm())
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(dest.Name())

		return nil, fmt.Errorf("copying %s to backup: %w", path, err)
	}

	if err := dest.Close(); err != nil {
		return nil, fmt.Errorf("closing backup file: %w", err)
	}

	r.logger.Debug("snapshot taken",
		slog.String("file", name),
		slog.String("backup", dest.Name()),
	)

	return &Entry{Name: name, Timestamp: ts.Truncate(time.Second), Path: dest.Name()}, nil
}

// openSnapshot creates the snapshot file for ts, appending a monotonic
// .N suffix when a snapshot with the same second-resolution timestamp
// already exists.
func (r *Rotator) openSnapshot(fileDir string, ts time.Time, perm fs.FileMode) (*os.File, error) {
	base := filepath.Join(fileDir, ts.Format(stampFormat))

	candidate := base
	for n := 1; ; n++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return f, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating backup file: %w", err)
		}

		candidate = fmt.Sprintf("%s.%d", base, n)
	}
}

// Entries lists the snapshots retained for name, newest first. Files
// whose names do not parse as snapshot timestamps are ignored.
func (r *Rotator) Entries(name string) ([]Entry, error) {
	fileDir := filepath.Join(r.dir, name)

	dirents, err := os.ReadDir(fileDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var entries []Entry

	for _, de := range dirents {
		if de.IsDir() {
			continue
		}

		ts, seq, ok := parseStamp(de.Name())
		if !ok {
			continue
		}

		// Spread sub-second sequence numbers into nanoseconds so entries
		// taken within one second keep their creation order.
		entries = append(entries, Entry{
			Name:      name,
			Timestamp: ts.Add(time.Duration(seq)),
			Path:      filepath.Join(fileDir, de.Name()),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	return entries, nil
}

// Prune deletes expired snapshots for name. The newest minKeep entries
// are always retained, even when every entry exceeds maxAge.
func (r *Rotator) Prune(name string) error {
	entries, err := r.Entries(name)
	if err != nil {
		return err
	}

	if len(entries) <= r.minKeep {
		return nil
	}

	cutoff := r.now().Add(-r.maxAge)

	for _, e := range entries[r.minKeep:] {
		if e.Timestamp.Truncate(time.Second).After(cutoff) {
			continue
		}

		if err := os.Remove(e.Path); err != nil {
			r.logger.Warn("pruning backup failed",
				slog.String("file", name),
				slog.String("backup", e.Path),
				slog.String("error", err.Error()),
			)

			continue
		}

		r.logger.Debug("pruned backup",
			slog.String("file", name),
			slog.String("backup", e.Path),
		)
	}

	return nil
}

// parseStamp parses a snapshot file name of the form
// 20060102-150405[.N] into its timestamp and sequence number.
func parseStamp(name string) (time.Time, int, bool) {
	stamp := name
	seq := 0

	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		n, err := strconv.Atoi(name[idx+1:])
		if err != nil {
			return time.Time{}, 0, false
		}

		stamp = name[:idx]
		seq = n
	}

	ts, err := time.ParseInLocation(stampFormat, stamp, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}

	return ts, seq, true
}
