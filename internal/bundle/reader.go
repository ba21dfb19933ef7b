package bundle

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ReadFile maps a package file read-only and parses it. The payload stays
// mapped until Close.
func ReadFile(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 4 {
		return nil, fmt.Errorf("%s: %w: %d bytes", path, ErrShortPackage, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.unmap = func() error { return unix.Munmap(data) }
	return p, nil
}
