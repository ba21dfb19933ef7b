// Package argcache remembers the last value bound to every kernel argument
// slot so a kernel can be torn down and rebuilt with identical arguments.
package argcache

import (
	"github.com/23skdu/longbow-thneed/internal/compute"
)

type key struct {
	kernel compute.Kernel
	index  int
}

// Arg is one recorded binding. A nil Value is a size-only (local memory)
// argument.
type Arg struct {
	Value []byte
	Size  int
}

// Cache maps (kernel, index) to the most recent binding. Entries for dead
// kernel handles are kept; handle values are not reused within a session.
// Like the intercept shim it is unsynchronized: argument binding is expected
// to happen on one thread.
type Cache struct {
	args map[key]Arg
}

func New() *Cache {
	return &Cache{args: make(map[key]Arg)}
}

// Default is the process-wide table.
var Default = New()

// Record stores a binding without delegating.
func (c *Cache) Record(k compute.Kernel, index int, size int, value []byte) {
	a := Arg{Size: size}
	if value != nil {
		a.Value = append(make([]byte, 0, len(value)), value...)
	}
	c.args[key{k, index}] = a
}

// SetKernelArg records the binding and then performs it through api.
func (c *Cache) SetKernelArg(api compute.API, k compute.Kernel, index int, size int, value []byte) error {
	c.Record(k, index, size, value)
	return api.SetKernelArg(k, index, size, value)
}

// Lookup returns the most recent binding for the slot. A slot that was never
// bound reads as an empty size-only argument.
func (c *Cache) Lookup(k compute.Kernel, index int) (Arg, bool) {
	a, ok := c.args[key{k, index}]
	return a, ok
}

func (c *Cache) Len() int {
	return len(c.args)
}

// SetKernelArg binds through the process-wide table.
func SetKernelArg(api compute.API, k compute.Kernel, index int, size int, value []byte) error {
	return Default.SetKernelArg(api, k, index, size, value)
}
