// Package projectlock serializes work on a single project across goroutines
// and processes using advisory file locks.
package projectlock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 50 * time.Millisecond

// ErrBusy is returned by TryAcquire when another holder owns the lock.
var ErrBusy = errors.New("project is busy")

// Locker hands out per-key exclusive locks backed by files in dir.
type Locker struct {
	dir string
}

// DefaultDir is used when no lock directory is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "mozhi-locks")
}

// New creates the lock directory if needed.
func New(dir string) (*Locker, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Locker{dir: dir}, nil
}

// Dir returns the directory holding lock files.
func (l *Locker) Dir() string {
	return l.dir
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// func releases it.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	fl := flock.New(l.path(key))
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}
	return release(fl), nil
}

// TryAcquire takes the lock without waiting.
func (l *Locker) TryAcquire(key string) (func(), error) {
	fl := flock.New(l.path(key))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return release(fl), nil
}

func release(fl *flock.Flock) func() {
	return func() {
		_ = fl.Unlock()
	}
}

// Lock files are never removed; deleting a file another process is waiting on
// would let two holders in at once.
func (l *Locker) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:12])+".lock")
}

// ImportKey is the lock key guarding an import into folderName, taken before
// the project exists.
func ImportKey(folderName string) string {
	return "import:" + folderName
}
