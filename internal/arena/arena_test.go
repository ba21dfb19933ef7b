package arena

import (
	"errors"
	"testing"
	"unsafe"
)

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func TestAlign(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {1, 256}, {255, 256}, {256, 256}, {257, 512}, {1000, 1024},
	}
	for _, tt := range tests {
		if got := Align(tt.in); got != tt.want {
			t.Errorf("Align(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAllocateMonotonicNonOverlapping(t *testing.T) {
	a := New(make([]byte, 8192))
	sizes := []int{1, 300, 256, 17, 1024, 0, 511}

	var prevEnd uintptr
	total := 0
	for i, sz := range sizes {
		base := a.Base()
		b, err := a.Allocate(sz)
		if err != nil {
			t.Fatalf("allocation %d (%d bytes) failed: %v", i, sz, err)
		}
		if len(b) != sz {
			t.Errorf("allocation %d: len %d, want %d", i, len(b), sz)
		}
		start := base
		if sz > 0 && addr(b) != base {
			t.Errorf("allocation %d: returned %#x, base was %#x", i, addr(b), base)
		}
		if i > 0 && start < prevEnd {
			t.Errorf("allocation %d at %#x overlaps previous extent ending %#x", i, start, prevEnd)
		}
		prevEnd = start + uintptr(Align(sz))
		total += Align(sz)
	}

	if a.Used() != total {
		t.Errorf("Used = %d, want %d", a.Used(), total)
	}
	if a.Remaining() != 8192-total {
		t.Errorf("Remaining = %d, want %d", a.Remaining(), 8192-total)
	}
}

func TestAllocateStrictlyIncreasing(t *testing.T) {
	a := New(make([]byte, 4096))
	var last uintptr
	for i := 0; i < 16; i++ {
		b, err := a.Allocate(100)
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if i > 0 && addr(b) <= last {
			t.Fatalf("allocation %d address %#x not above %#x", i, addr(b), last)
		}
		last = addr(b)
	}
	if a.Remaining() != 0 {
		t.Errorf("expected arena to be exactly full, %d remaining", a.Remaining())
	}
}

func TestAllocateExhaustedRejectsBeforeAdvancing(t *testing.T) {
	a := New(make([]byte, 1024))
	if _, err := a.Allocate(768); err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	base := a.Base()

	b, err := a.Allocate(257)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if b != nil {
		t.Error("rejected allocation returned memory")
	}
	if a.Base() != base || a.Remaining() != 256 {
		t.Errorf("rejected allocation moved the arena: base %#x -> %#x, remaining %d", base, a.Base(), a.Remaining())
	}

	if _, err := a.Allocate(256); err != nil {
		t.Errorf("exact fit should succeed: %v", err)
	}
}

func TestAllocateNegative(t *testing.T) {
	a := New(make([]byte, 256))
	if _, err := a.Allocate(-1); err == nil {
		t.Error("expected error for negative size")
	}
}

func TestAllocationsAreWritable(t *testing.T) {
	a := New(make([]byte, 1024))
	x, _ := a.Allocate(10)
	y, _ := a.Allocate(10)
	for i := range x {
		x[i] = 0xAA
	}
	for i := range y {
		if y[i] != 0 {
			t.Fatalf("write to first allocation leaked into second at %d", i)
		}
	}
	if cap(x) != Alignment {
		t.Errorf("expected capacity clipped to rounded extent %d, got %d", Alignment, cap(x))
	}
}

func TestContains(t *testing.T) {
	a := New(make([]byte, 1024))
	b, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !a.Contains(addr(b), len(b)) {
		t.Error("allocation should be inside the arena")
	}
	if a.Contains(addr(b)+256, 1) {
		t.Error("space past the base has not been handed out")
	}
	other := make([]byte, 16)
	if a.Contains(addr(other), len(other)) {
		t.Error("foreign memory reported as arena memory")
	}
}
