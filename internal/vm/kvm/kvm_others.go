//go:build !(linux && amd64)

package kvm

import (
	"fmt"

	"github.com/virtm/virtm/internal/vm"
)

// Open fails on hosts without KVM.
func Open() (vm.Backend, error) {
	return nil, fmt.Errorf("%w: KVM requires linux/amd64", vm.ErrUnavailable)
}
