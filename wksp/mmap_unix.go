//go:build unix

package wksp

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create makes (or truncates) a file of at least size bytes, maps it shared
// and formats it as an empty workspace.
func Create(path string, size int) (*Wksp, error) {
	size = roundUp(size, HeaderSz)
	if size < 2*HeaderSz {
		return nil, ErrTooSmall
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wksp: create %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("wksp: size %s: %w", path, err)
	}
	w, err := mapFile(f, path, size)
	if err != nil {
		return nil, err
	}
	w.format()
	return w, nil
}

// Join maps an existing workspace file created by Create.
func Join(path string) (*Wksp, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("wksp: join %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("wksp: stat %s: %w", path, err)
	}
	if st.Size() < 2*HeaderSz {
		return nil, ErrTooSmall
	}
	w, err := mapFile(f, path, int(st.Size()))
	if err != nil {
		return nil, err
	}
	if err := w.validate(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func mapFile(f *os.File, path string, size int) (*Wksp, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("wksp: mmap %s: %w", path, err)
	}
	return attach(mem, path, func() error { return unix.Munmap(mem) }), nil
}
