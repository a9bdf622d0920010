//go:build windows && amd64

package factory

import (
	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/whpx"
)

const nativeKind = vm.KindWHPX

func init() {
	vm.RegisterBackend(vm.KindWHPX, whpx.Open)
}
