// Package lock provides process-level and per-key locking: a flock(2)
// based file lock guarding the single engine instance, and a mutex map
// serializing writers of the same persisted file.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key, created on demand. Keys are
// never reclaimed; the key space (file paths) is small and stable.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) {
	m.get(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.get(key).Unlock()
}

func (m *MutexMap) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an advisory exclusive lock tied to one file. The holder
// writes its pid into the file so a stale instance can be identified.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. It fails when another
// process already holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another engine may be running): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		release(f)
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		release(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the lock file. Unlocking a lock
// that was never acquired is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(fl.path)
	fl.file = nil
	return nil
}

func release(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}
