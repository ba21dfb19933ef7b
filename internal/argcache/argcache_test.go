package argcache

import (
	"bytes"
	"errors"
	"testing"

	"github.com/23skdu/longbow-thneed/internal/compute"
)

type setArgCall struct {
	kernel compute.Kernel
	index  int
	size   int
	value  []byte
}

// recordingAPI captures SetKernelArg calls; every other method is unused here.
type recordingAPI struct {
	compute.API
	calls []setArgCall
	err   error
}

func (r *recordingAPI) SetKernelArg(k compute.Kernel, index int, size int, value []byte) error {
	r.calls = append(r.calls, setArgCall{k, index, size, value})
	return r.err
}

func TestSetKernelArgRecordsThenDelegates(t *testing.T) {
	c := New()
	api := &recordingAPI{}

	val := []byte{1, 2, 3, 4}
	if err := c.SetKernelArg(api, 7, 0, 4, val); err != nil {
		t.Fatalf("SetKernelArg: %v", err)
	}
	if len(api.calls) != 1 || api.calls[0].size != 4 || !bytes.Equal(api.calls[0].value, val) {
		t.Fatalf("unexpected delegated calls: %+v", api.calls)
	}

	got, ok := c.Lookup(7, 0)
	if !ok || got.Size != 4 || !bytes.Equal(got.Value, val) {
		t.Fatalf("unexpected cached arg: %+v ok=%v", got, ok)
	}

	val[0] = 99
	got, _ = c.Lookup(7, 0)
	if got.Value[0] != 1 {
		t.Error("cache should hold its own copy of the value")
	}
}

func TestMostRecentValueWins(t *testing.T) {
	c := New()
	api := &recordingAPI{}

	_ = c.SetKernelArg(api, 1, 2, 4, []byte{1, 0, 0, 0})
	_ = c.SetKernelArg(api, 1, 2, 4, []byte{2, 0, 0, 0})

	got, _ := c.Lookup(1, 2)
	if got.Value[0] != 2 {
		t.Errorf("expected latest value, got %v", got.Value)
	}
	if c.Len() != 1 {
		t.Errorf("expected one slot, got %d", c.Len())
	}
}

func TestSizeOnlyArgument(t *testing.T) {
	c := New()
	api := &recordingAPI{}

	_ = c.SetKernelArg(api, 3, 1, 1024, nil)
	got, ok := c.Lookup(3, 1)
	if !ok {
		t.Fatal("expected slot to be recorded")
	}
	if got.Value != nil || got.Size != 1024 {
		t.Errorf("expected size-only arg of 1024, got %+v", got)
	}
	if api.calls[0].value != nil {
		t.Error("size-only argument should delegate a nil value")
	}
}

func TestRecordsEvenWhenDelegateFails(t *testing.T) {
	c := New()
	api := &recordingAPI{err: compute.InvalidArgSize}

	err := c.SetKernelArg(api, 5, 0, 3, []byte{1, 2, 3})
	if !errors.Is(err, compute.InvalidArgSize) {
		t.Fatalf("expected delegate error, got %v", err)
	}
	if _, ok := c.Lookup(5, 0); !ok {
		t.Error("binding should be recorded before delegating")
	}
}

func TestLookupMissing(t *testing.T) {
	c := New()
	if _, ok := c.Lookup(42, 0); ok {
		t.Error("expected missing slot")
	}
}
