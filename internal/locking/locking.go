// Package locking serializes sync operations. A flock-based marker
// keeps two invocations on the same host from racing on one file; a
// WebDAV lock keeps two hosts from corrupting each other's writes on
// the shared remote resource.
package locking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrLockContention is returned when the local lock stays contended
	// past the configured retry budget.
	ErrLockContention = errors.New("local lock contention")

	// ErrRemoteLockFailed is returned when the remote lock cannot be
	// acquired, including the case of a granted lock with no usable token.
	ErrRemoteLockFailed = errors.New("remote lock failed")
)

const (
	// localRetryDelay is the fixed delay between local lock attempts.
	localRetryDelay = 500 * time.Millisecond

	lockDirPerm = fs.FileMode(0o700)
)

// RemoteLocker issues WebDAV LOCK/UNLOCK requests.
type RemoteLocker interface {
	Lock(ctx context.Context, url string, timeout time.Duration) (string, error)
	Unlock(ctx context.Context, url, token string) error
}

// LocalLock is a held host-wide mutual exclusion marker for one file
// name. Release is idempotent.
type LocalLock struct {
	name string
	fl   *flock.Flock
	once sync.Once
}

// Release drops the lock. Safe to call more than once; only the first
// call has an effect.
func (l *LocalLock) Release() error {
	var err error

	l.once.Do(func() {
		err = l.fl.Unlock()
	})

	return err
}

// LockToken is a held remote WebDAV lock.
type LockToken struct {
	URL        string
	Token      string
	AcquiredAt time.Time
	Timeout    time.Duration
}

// Coordinator manages both lock layers. Ordering contract: local lock
// before remote lock, remote release before local release, both
// releases on every exit path.
type Coordinator struct {
	lockDir      string
	localRetries int
	timeout      time.Duration
	remote       RemoteLocker
	skipRemote   bool
	logger       *slog.Logger
}

// NewCoordinator creates a coordinator keeping local markers under
// <stateDir>/locks. When skipRemote is set, remote locking becomes a
// no-op and cross-host coordination is trusted to happen externally.
func NewCoordinator(stateDir string, localRetries int, timeout time.Duration, remote RemoteLocker, skipRemote bool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		lockDir:      filepath.Join(stateDir, "locks"),
		localRetries: localRetries,
		timeout:      timeout,
		remote:       remote,
		skipRemote:   skipRemote,
		logger:       logger,
	}
}

// AcquireLocal takes the host-wide marker for name, retrying a fixed
// number of times with a short delay. It fails fast with
// ErrLockContention past the retry budget rather than blocking.
func (c *Coordinator) AcquireLocal(ctx context.Context, name string) (*LocalLock, error) {
	if err := os.MkdirAll(c.lockDir, lockDirPerm); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(filepath.Join(c.lockDir, name+".lock"))

	for attempt := 0; ; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", name, err)
		}

		if locked {
			return &LocalLock{name: name, fl: fl}, nil
		}

		if attempt >= c.localRetries {
			return nil, fmt.Errorf("%w: %s held by another invocation", ErrLockContention, name)
		}

		c.logger.Debug("local lock contended, retrying",
			slog.String("file", name),
			slog.Int("attempt", attempt+1),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(localRetryDelay):
		}
	}
}

// ReleaseLocal drops the local marker. Failure is reported as a warning
// by the caller; the operation itself is best-effort and idempotent.
func (c *Coordinator) ReleaseLocal(lock *LocalLock) {
	if lock == nil {
		return
	}

	if err := lock.Release(); err != nil {
		c.logger.Warn("releasing local lock",
			slog.String("file", lock.name),
			slog.String("error", err.Error()),
		)
	}
}

// AcquireRemote takes an exclusive write lock on the remote resource.
// In skip-remote mode it returns a nil token without issuing a request.
func (c *Coordinator) AcquireRemote(ctx context.Context, url string) (*LockToken, error) {
	if c.skipRemote {
		return nil, nil
	}

	token, err := c.remote.Lock(ctx, url, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteLockFailed, err)
	}

	if token == "" {
		return nil, fmt.Errorf("%w: server granted lock without a token", ErrRemoteLockFailed)
	}

	c.logger.Debug("remote lock acquired",
		slog.String("url", url),
		slog.Duration("timeout", c.timeout),
	)

	return &LockToken{
		URL:        url,
		Token:      token,
		AcquiredAt: time.Now(),
		Timeout:    c.timeout,
	}, nil
}

// ReleaseRemote releases a held remote lock. Failure is downgraded to a
// warning: the server-side timeout bounds the damage of a leaked lock,
// so aborting the run here would be disproportionate.
func (c *Coordinator) ReleaseRemote(ctx context.Context, token *LockToken) {
	if token == nil || c.skipRemote {
		return
	}

	if err := c.remote.Unlock(ctx, token.URL, token.Token); err != nil {
		c.logger.Warn("releasing remote lock failed, relying on server timeout",
			slog.String("url", token.URL),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.Debug("remote lock released", slog.String("url", token.URL))
}
