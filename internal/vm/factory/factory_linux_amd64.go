//go:build linux && amd64

package factory

import (
	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/kvm"
)

const nativeKind = vm.KindKVM

func init() {
	vm.RegisterBackend(vm.KindKVM, kvm.Open)
}
