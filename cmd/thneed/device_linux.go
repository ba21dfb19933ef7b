package main

import (
	"github.com/23skdu/longbow-thneed/internal/kgsl"
	"github.com/23skdu/longbow-thneed/internal/shim"
)

func useDriver() {
	shim.Default.SetController(kgsl.Syscall{})
}
