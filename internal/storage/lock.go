package storage

import (
	"errors"

	"github.com/gofrs/flock"
	pkgerrors "github.com/pkg/errors"
)

// LockFile is the name of the data directory lock.
const LockFile = "ircbot.lock"

// ErrLocked means another process holds the data directory.
var ErrLocked = errors.New("data directory is in use by another process")

// DirLock is an exclusive advisory lock on a data directory.
type DirLock struct {
	flock *flock.Flock
}

// LockDir takes the data directory lock without blocking.
func LockDir(dataDir string) (*DirLock, error) {
	fl := flock.New(Path(dataDir, LockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "locking data directory")
	}
	if !locked {
		return nil, ErrLocked
	}
	return &DirLock{flock: fl}, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	return l.flock.Unlock()
}
