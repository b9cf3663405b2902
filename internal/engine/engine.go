// Package engine drives the per-file sync operation: acquire local
// then remote lock, decide the action, snapshot before any overwrite,
// move bytes, record the new sync point, release locks in reverse
// order on every exit path.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/alexjbarnes/davsync/internal/backup"
	"github.com/alexjbarnes/davsync/internal/config"
	"github.com/alexjbarnes/davsync/internal/locking"
	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/alexjbarnes/davsync/internal/webdav"
)

// ErrDeclined is returned when the pre-overwrite confirmation hook
// rejects a transfer.
var ErrDeclined = errors.New("transfer declined by confirmation")

const (
	// defaultFileMode is used for downloaded files that did not exist
	// before, so there is no permission to preserve.
	defaultFileMode = os.FileMode(0o644)

	// cleanupTimeout bounds the remote unlock issued during cleanup,
	// which must run even when the operation's context is already gone.
	cleanupTimeout = 10 * time.Second
)

// Transfer moves bytes and probes state on the WebDAV server.
type Transfer interface {
	Head(ctx context.Context, url string) (webdav.ResourceInfo, error)
	Get(ctx context.Context, url, destPath string, token string) (webdav.ResourceInfo, error)
	Put(ctx context.Context, url, srcPath string, token string) (webdav.ResourceInfo, error)
}

// ConfirmFunc is consulted before a transfer overwrites content. It is
// satisfied synchronously by the caller; the prompt mechanism itself
// lives outside the engine.
type ConfirmFunc func(name string, action Action) bool

// Options wires the engine's collaborators and policy.
type Options struct {
	BaseURL string
	Client  Transfer
	Locks   *locking.Coordinator
	Backups *backup.Rotator
	Store   *state.Store
	Policy  ConflictPolicy

	// Force bypasses the confirmation hook.
	Force bool

	// Confirm, when set and Force is false, must approve every
	// transfer before it proceeds.
	Confirm ConfirmFunc
}

// Engine synchronizes configured files one at a time. Execution is
// sequential; concurrency only arises from other invocations, which the
// lock coordinator serializes.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New creates a sync engine.
func New(opts Options, logger *slog.Logger) *Engine {
	return &Engine{opts: opts, logger: logger}
}

// guard is the per-operation cleanup scope. Every acquired resource is
// registered here and released exactly once, in reverse order: remote
// lock, local lock, temp file.
type guard struct {
	engine   *Engine
	local    *locking.LocalLock
	token    *locking.LockToken
	tempPath string
	released bool
}

func (g *guard) release() {
	if g.released {
		return
	}
	g.released = true

	if g.token != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		g.engine.opts.Locks.ReleaseRemote(ctx, g.token)
		cancel()
	}

	g.engine.opts.Locks.ReleaseLocal(g.local)

	if g.tempPath != "" {
		if err := os.Remove(g.tempPath); err != nil && !os.IsNotExist(err) {
			g.engine.logger.Warn("removing temp file",
				slog.String("path", g.tempPath),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SyncAll synchronizes every entry, isolating failures: one file's
// error never stops the remaining files. The aggregate error names
// each failed file.
func (e *Engine) SyncAll(ctx context.Context, entries []config.FileEntry) error {
	var result *multierror.Error

	for _, entry := range entries {
		if err := e.Sync(ctx, entry); err != nil {
			e.logger.Error("sync failed",
				slog.String("file", entry.Name),
				slog.String("error", err.Error()),
			)

			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.Name, err))
		}
	}

	return result.ErrorOrNil()
}

// Sync decides and performs the action for one file.
func (e *Engine) Sync(ctx context.Context, entry config.FileEntry) error {
	return e.run(ctx, entry, func(ctx context.Context, g *guard, url string) error {
		localHash, localExists, err := hashFile(entry.Path)
		if err != nil {
			return fmt.Errorf("hashing local file: %w", err)
		}

		remote, err := e.opts.Client.Head(ctx, url)
		if err != nil {
			return fmt.Errorf("probing remote: %w", err)
		}

		prev, err := e.opts.Store.Get(entry.Name)
		if err != nil {
			return fmt.Errorf("reading sync state: %w", err)
		}

		action, err := Decide(LocalState{Exists: localExists, Hash: localHash}, remote, prev, e.opts.Policy)
		if err != nil {
			return err
		}

		e.logger.Debug("decision",
			slog.String("file", entry.Name),
			slog.String("action", action.String()),
			slog.Bool("first_sync", prev == nil),
		)

		switch action {
		case ActionNone:
			e.logger.Info("in sync, nothing to do", slog.String("file", entry.Name))
			return nil
		case ActionUpload:
			return e.upload(ctx, g, entry, url, localHash)
		case ActionDownload:
			return e.download(ctx, g, entry, url)
		default:
			return fmt.Errorf("unknown action %d", action)
		}
	})
}

// Push uploads unconditionally, keeping the usual locking, backup and
// state discipline. Backs the `put` command.
func (e *Engine) Push(ctx context.Context, entry config.FileEntry) error {
	return e.run(ctx, entry, func(ctx context.Context, g *guard, url string) error {
		localHash, exists, err := hashFile(entry.Path)
		if err != nil {
			return fmt.Errorf("hashing local file: %w", err)
		}

		if !exists {
			return fmt.Errorf("local file %s does not exist", entry.Path)
		}

		return e.upload(ctx, g, entry, url, localHash)
	})
}

// Pull downloads unconditionally. Backs the `get` command.
func (e *Engine) Pull(ctx context.Context, entry config.FileEntry) error {
	return e.run(ctx, entry, func(ctx context.Context, g *guard, url string) error {
		return e.download(ctx, g, entry, url)
	})
}

// run wraps op in the operation scope: local lock, remote lock, guard
// cleanup on every exit path.
func (e *Engine) run(ctx context.Context, entry config.FileEntry, op func(ctx context.Context, g *guard, url string) error) error {
	url := entry.RemoteURL(e.opts.BaseURL)

	g := &guard{engine: e}
	defer g.release()

	local, err := e.opts.Locks.AcquireLocal(ctx, entry.Name)
	if err != nil {
		return err
	}
	g.local = local

	token, err := e.opts.Locks.AcquireRemote(ctx, url)
	if err != nil {
		return err
	}
	g.token = token

	return op(ctx, g, url)
}

func (e *Engine) confirmed(name string, action Action) bool {
	if e.opts.Force || e.opts.Confirm == nil {
		return true
	}

	return e.opts.Confirm(name, action)
}

// upload snapshots the local file, then PUTs it and records the new
// sync point.
func (e *Engine) upload(ctx context.Context, g *guard, entry config.FileEntry, url, localHash string) error {
	if !e.confirmed(entry.Name, ActionUpload) {
		return ErrDeclined
	}

	if err := e.snapshot(entry); err != nil {
		return err
	}

	info, err := e.opts.Client.Put(ctx, url, entry.Path, lockTokenOf(g))
	if err != nil {
		return fmt.Errorf("uploading: %w", err)
	}

	e.logger.Info("uploaded",
		slog.String("file", entry.Name),
		slog.String("url", url),
	)

	// An upload makes both sides identical, so one hash covers both.
	return e.record(entry.Name, localHash, localHash, info)
}

// download snapshots the local file, GETs the remote content into a
// temp file beside the target, and promotes it atomically only after a
// fully successful transfer, preserving existing permissions.
func (e *Engine) download(ctx context.Context, g *guard, entry config.FileEntry, url string) error {
	if !e.confirmed(entry.Name, ActionDownload) {
		return ErrDeclined
	}

	if err := e.snapshot(entry); err != nil {
		return err
	}

	dir := filepath.Dir(entry.Path)
	base := filepath.Base(entry.Path)

	temp, err := os.CreateTemp(dir, "."+base+".davsync-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	temp.Close()
	g.tempPath = temp.Name()

	info, err := e.opts.Client.Get(ctx, url, g.tempPath, lockTokenOf(g))
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}

	mode := defaultFileMode
	if st, err := os.Stat(entry.Path); err == nil {
		mode = st.Mode().Perm()
	}

	if err := os.Chmod(g.tempPath, mode); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}

	hash, _, err := hashFile(g.tempPath)
	if err != nil {
		return fmt.Errorf("hashing downloaded content: %w", err)
	}

	if err := os.Rename(g.tempPath, entry.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", entry.Path, err)
	}
	g.tempPath = ""

	e.logger.Info("downloaded",
		slog.String("file", entry.Name),
		slog.String("url", url),
	)

	return e.record(entry.Name, hash, hash, info)
}

// snapshot backs up the current local content before it is put at risk
// and prunes expired backups. A missing file needs no snapshot.
func (e *Engine) snapshot(entry config.FileEntry) error {
	bk, err := e.opts.Backups.Snapshot(entry.Name, entry.Path)
	if err != nil {
		return fmt.Errorf("snapshotting: %w", err)
	}

	if bk == nil {
		return nil
	}

	if err := e.opts.Backups.Prune(entry.Name); err != nil {
		e.logger.Warn("pruning backups",
			slog.String("file", entry.Name),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// record persists the new sync point after a successful transfer.
func (e *Engine) record(name, localHash, remoteHash string, info webdav.ResourceInfo) error {
	rec := state.SyncRecord{
		Name:       name,
		LocalHash:  localHash,
		RemoteHash: remoteHash,
		RemoteETag: info.ChangeTag(),
		SyncTime:   time.Now().UTC(),
	}

	if err := e.opts.Store.Put(rec); err != nil {
		return fmt.Errorf("recording sync state: %w", err)
	}

	return nil
}

func lockTokenOf(g *guard) string {
	if g.token == nil {
		return ""
	}

	return g.token.Token
}

// hashFile returns the SHA-256 hex digest of the file's content and
// whether the file exists.
func hashFile(path string) (string, bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false, err
	}

	return hex.EncodeToString(h.Sum(nil)), true, nil
}
