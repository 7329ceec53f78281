package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"spotguard/pkg/apperrors"
)

// lockStalenessCeiling bounds how long a lock file is honored after its
// last heartbeat before a new process is allowed to steal it. Guards
// against an orphaned lock surviving a crash forever.
const lockStalenessCeiling = 2 * time.Minute

// acquireFileLock takes the process-wide exclusive lock for
// (dbPath, accountKey) using a sibling `<dbPath>.<accountKey>.lock`
// file: an exclusive create carries the winning token, a heartbeat
// keeps it warm, and a stale heartbeat lets a successor reclaim it.
func acquireFileLock(ctx context.Context, dbPath, accountKey string) (func() error, error) {
	lockPath := filepath.Join(filepath.Dir(dbPath), filepath.Base(dbPath)+"."+accountKey+".lock")
	token := uuid.NewString()

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("state: open lock file: %w", err)
		}
		stale, staleErr := isStale(lockPath)
		if staleErr != nil {
			return nil, fmt.Errorf("state: inspect lock file: %w", staleErr)
		}
		if !stale {
			return nil, apperrors.ErrLockContention
		}
		if err := os.Remove(lockPath); err != nil {
			return nil, fmt.Errorf("state: remove stale lock: %w", err)
		}
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, apperrors.ErrLockContention
		}
	}
	if _, err := fmt.Fprintf(f, "%s\n%d\n", token, time.Now().Unix()); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("state: write lock token: %w", err)
	}
	f.Close()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(lockStalenessCeiling / 4)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				_ = os.Chtimes(lockPath, now, now)
			}
		}
	}()

	var once sync.Once
	release := func() error {
		once.Do(func() { close(stop) })
		return os.Remove(lockPath)
	}
	return release, nil
}

func isStale(lockPath string) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return time.Since(info.ModTime()) > lockStalenessCeiling, nil
}
