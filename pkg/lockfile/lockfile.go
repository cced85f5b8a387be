// Package lockfile serializes runs per dataset. Two concurrent backups of the
// same dataset would race on snapshot creation and pruning; a heartbeated
// lock file makes the second run fail fast with a descriptive error instead.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/plog"
	"github.com/paulschiretz/pgl-zback/pkg/util"
)

// LockContent is the JSON payload written into the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	Dataset    string    `json:"dataset"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // resolves takeover races
	AppID      string    `json:"appID"`
}

// ErrLockActive is returned when another live process holds the dataset lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	Dataset   string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("dataset %s is locked by PID %d on host '%s', last updated %s ago",
		e.Dataset, e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process wins a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the lock file on disk is empty or not JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held dataset lock with a running heartbeat.
type Lock struct {
	path    string
	content LockContent
	// heartbeatCtx and cancel control the background heartbeat goroutine.
	heartbeatCtx context.Context
	cancel       context.CancelFunc
	mu           sync.Mutex
	held         bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 3 * heartbeatInterval
)

// fileName maps a dataset to its lock file name. Dataset names contain
// slashes, which cannot appear in a file name.
func fileName(dataset string) string {
	return ".~pgl-zback." + strings.ReplaceAll(dataset, "/", "_") + ".lock"
}

// Acquire takes the per-dataset lock in dirPath. It returns *ErrLockActive
// when another live process holds it; stale and corrupt locks are taken over.
func Acquire(ctx context.Context, dirPath, dataset, appID string) (*Lock, error) {
	if err := os.MkdirAll(dirPath, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("could not create lock directory: %w", err)
	}
	path := filepath.Join(dirPath, fileName(dataset))

	// Multiple attempts cover races with a concurrent release or takeover.
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(path, dataset, appID)
		if err == nil {
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("could not access lock file: %w", err)
		}

		// The file exists. Decide between "actively held" and "stale".
		content, readErr := readLockContent(path)
		if readErr != nil {
			if !errors.Is(readErr, ErrCorruptLockFile) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					Dataset:   content.Dataset,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		lock, err = takeover(path, dataset, appID)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Lock takeover failed, retrying", "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("could not acquire lock for %s after %d attempts (contention)", dataset, maxAttempts)
}

// tryAcquire does the atomic O_EXCL creation that decides first ownership.
func tryAcquire(path, dataset, appID string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(dataset, appID)
	if err != nil {
		return nil, err
	}

	l := newLock(path, content)
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

// takeover seizes a stale or corrupt lock via atomic rename, then reads the
// file back: matching PID and nonce prove we won a concurrent takeover.
func takeover(path, dataset, appID string) (*Lock, error) {
	content, err := newContent(dataset, appID)
	if err != nil {
		return nil, err
	}
	if err := updateLockFileAtomic(path, content); err != nil {
		return nil, err
	}

	readback, err := readLockContent(path)
	if err != nil {
		return nil, fmt.Errorf("could not read back lock file after takeover: %w", err)
	}
	if readback.PID != content.PID || readback.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return newLock(path, content), nil
}

func newContent(dataset, appID string) (LockContent, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return LockContent{}, fmt.Errorf("could not generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Dataset:    dataset,
		LastUpdate: time.Now().UTC(),
		Nonce:      fmt.Sprintf("%x", nonce),
		AppID:      appID,
	}, nil
}

func newLock(path string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{path: path, content: content, cancel: cancel, held: true}
	l.heartbeatCtx = ctx
	return l
}

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.heartbeatCtx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				// Keep ticking; the next beat may succeed.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic writes to a temp file in the same directory and
// renames it over the lock path, so the lock file is never observed empty.
func updateLockFileAtomic(path string, content LockContent) error {
	dir := filepath.Dir(path)
	tmpF, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("could not close temp lock file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), path); err != nil {
		return fmt.Errorf("could not rename temp file to lock file: %w", err)
	}
	return nil
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("could not write lock content: %w", err)
	}
	return nil
}

// readLockContent reads the lock file, retrying through the transient empty
// or partial states a concurrent writer can expose.
func readLockContent(path string) (LockContent, error) {
	var lastErr error
	var corruptErr error
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			corruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var content LockContent
		if corruptErr = json.Unmarshal(data, &content); corruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if corruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, corruptErr)
	}
	return LockContent{}, fmt.Errorf("could not read valid lock content: %w", lastErr)
}
