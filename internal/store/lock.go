package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLocked is returned when the state lock is held by another process.
var ErrLocked = errors.New("harness state is locked by another process")

// Lock takes the advisory lock guarding read-modify-write sequences on the
// state documents. It retries until Config.Lock.Timeout elapses or ctx is
// done. The returned func releases the lock.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", s.Dir, err)
	}
	f, err := os.OpenFile(s.Path(LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	timeout := s.Config.Lock.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Lock.Timeout
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = timeout

	err = backoff.Retry(func() error {
		err := tryLock(f)
		if err == nil || errors.Is(err, ErrLocked) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", s.Path(LockFile), err)
	}

	return func() {
		_ = unlock(f)
		_ = f.Close()
	}, nil
}
