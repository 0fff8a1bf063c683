//go:build !unix

package memoryindex

import (
	"fmt"
	"os"
)

// fileLock is a plain create-exclusive advisory lock for platforms without
// flock. It is weaker (no blocking wait, no auto-release on crash) but keeps
// hygiene runs from racing on the platforms the corpus actually ships on.
type fileLock struct {
	path string
}

func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: lock file held: %w", err)
	}
	f.Close()
	return &fileLock{path: path}, nil
}

func (l *fileLock) Release() error {
	return os.Remove(l.path)
}
