package auth

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock serializes writers of the users file across processes with
// flock(2), so `taskmesh users add` and a running coordinator do not
// interleave their rewrites.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(target string) *fileLock {
	return &fileLock{path: target + ".lock"}
}

func (fl *fileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return nil
}

func (fl *fileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()
	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		_ = fl.file.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return fl.file.Close()
}
