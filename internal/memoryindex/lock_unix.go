//go:build unix

package memoryindex

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock holds an exclusive advisory lock on a file for the duration of a
// hygiene run, so a concurrent process (e.g. a second agent instance sharing
// the same memory directory) can't archive/purge at the same time.
type fileLock struct {
	f *os.File
}

func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("memoryindex: flock: %w", err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Release() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
