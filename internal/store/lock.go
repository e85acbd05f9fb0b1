package store

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// DataLock guards a data directory against concurrent writer
// processes. SQLite serializes writes within one process; a second
// serve or worker process would fight over the vector files.
type DataLock struct {
	fl *flock.Flock
}

// NewDataLock creates the lock at <dataDir>/.llc.lock.
func NewDataLock(dataDir string) (*DataLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &DataLock{fl: flock.New(filepath.Join(dataDir, ".llc.lock"))}, nil
}

// Acquire takes the lock without blocking. A held lock means another
// process owns the data dir.
func (l *DataLock) Acquire() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err)
	}
	if !ok {
		return llcerrors.Newf(llcerrors.CodeStoreUnavailable,
			"data directory is locked by another llc process").
			WithRemediation("stop the other llc instance or point --data-dir elsewhere")
	}
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *DataLock) Release() error {
	return l.fl.Unlock()
}
