package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// File is a typed accessor over a single JSON state file. Every
// read-modify-write runs under an exclusive flock on a sidecar lock file,
// so concurrent writers on the same node (daemon plus CLI invocations)
// serialize instead of clobbering each other. Writes are temp file plus
// rename.
type File[T any] struct {
	path string
	zero func() T
}

// NewFile creates an accessor for path. zero produces the initial value
// when the file does not exist yet; nil means the type's zero value.
func NewFile[T any](path string, zero func() T) *File[T] {
	return &File[T]{path: path, zero: zero}
}

func (f *File[T]) Path() string { return f.path }

func (f *File[T]) initial() T {
	if f.zero != nil {
		return f.zero()
	}
	var v T
	return v
}

type fileLock struct {
	f *os.File
}

func acquireLock(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{f: lf}, nil
}

func (l *fileLock) release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

func (f *File[T]) readLocked() (T, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f.initial(), nil
		}
		var v T
		return v, err
	}
	v := f.initial()
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		var z T
		return z, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return v, nil
}

func (f *File[T]) writeLocked(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Get returns the current value without holding the lock beyond the read.
func (f *File[T]) Get() (T, error) {
	lock, err := acquireLock(f.path)
	if err != nil {
		var v T
		return v, err
	}
	defer lock.release()
	return f.readLocked()
}

// Mutate applies fn to the current value and persists the result
// atomically. fn returning an error aborts the update.
func (f *File[T]) Mutate(fn func(*T) error) error {
	lock, err := acquireLock(f.path)
	if err != nil {
		return err
	}
	defer lock.release()

	v, err := f.readLocked()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return f.writeLocked(v)
}

// Snapshot is Get under a different name so call sites read naturally when
// the value is only inspected.
func (f *File[T]) Snapshot() (T, error) {
	return f.Get()
}
