package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const defaultRetryDelay = 25 * time.Millisecond

// FileLocker serializes work on a submission across processes with an
// advisory flock, and across goroutines with a Keyed mutex so that callers in
// the same process do not poll the file lock against each other.
//
// Lock files are never removed, even after the submission is deleted. A
// waiter holding the old inode would otherwise lock a file no other process
// can see.
type FileLocker struct {
	dir        string
	retryDelay time.Duration
	local      *Keyed
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{
		dir:        dir,
		retryDelay: defaultRetryDelay,
		local:      NewKeyed(),
	}, nil
}

func (l *FileLocker) Lock(ctx context.Context, ref string) (func(), error) {
	if err := domain.ValidateRef(ref); err != nil {
		return nil, err
	}

	unlockLocal, err := l.local.Lock(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("wait for submission lock: %w", err)
	}

	fl := flock.New(filepath.Join(l.dir, ref+".lock"))
	ok, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		unlockLocal()
		return nil, domain.WrapError(domain.ErrIO, "acquire submission file lock", err)
	}
	if !ok {
		unlockLocal()
		return nil, domain.WrapError(domain.ErrTemporary, "acquire submission file lock", fmt.Errorf("ref=%s", ref))
	}

	return func() {
		_ = fl.Unlock()
		unlockLocal()
	}, nil
}
