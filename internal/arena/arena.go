// Package arena implements the bump allocator that backs every command
// payload copied for replay.
package arena

import (
	"errors"
	"fmt"
	"unsafe"
)

// Alignment is the rounding applied to every allocation.
const Alignment = 256

var ErrExhausted = errors.New("arena exhausted")

// Arena carves allocations monotonically out of a single region. There is no
// free; the region lives as long as the session that owns it.
// Not thread-safe without external locking.
type Arena struct {
	mem       []byte
	base      int
	remaining int
}

// New wraps a mapped region. The region start is expected to be aligned by
// whoever mapped it (mmap returns page-aligned memory).
func New(mem []byte) *Arena {
	return &Arena{mem: mem, remaining: len(mem)}
}

// Align rounds size up to the arena alignment.
func Align(size int) int {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Allocate returns a slice of size bytes from the current base and advances
// the base by the rounded size. Requests that do not fit are rejected before
// anything is handed out.
func (a *Arena) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("arena: negative size %d", size)
	}
	rounded := Align(size)
	if rounded > a.remaining {
		return nil, fmt.Errorf("%w: requested %d (rounded %d), remaining %d", ErrExhausted, size, rounded, a.remaining)
	}
	ret := a.mem[a.base : a.base+size : a.base+rounded]
	a.base += rounded
	a.remaining -= rounded
	return ret, nil
}

// Base returns the address the next allocation will start at.
func (a *Arena) Base() uintptr {
	return uintptr(a.BasePointer())
}

// BasePointer is Base as a pointer, nil for an empty arena. Zero-sized
// payloads are pointed here.
func (a *Arena) BasePointer() unsafe.Pointer {
	if len(a.mem) == 0 {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(a.mem)), a.base)
}

func (a *Arena) Remaining() int { return a.remaining }

func (a *Arena) Capacity() int { return len(a.mem) }

func (a *Arena) Used() int { return a.base }

// Contains reports whether [p, p+n) lies inside the handed-out part of the
// region.
func (a *Arena) Contains(p uintptr, n int) bool {
	if len(a.mem) == 0 {
		return false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	return p >= start && p+uintptr(n) <= start+uintptr(a.base)
}
