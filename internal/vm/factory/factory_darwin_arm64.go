//go:build darwin && arm64

package factory

import (
	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/hvf"
)

const nativeKind = vm.KindHVF

func init() {
	vm.RegisterBackend(vm.KindHVF, hvf.Open)
}
