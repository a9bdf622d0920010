//go:build !(darwin && arm64)

package hvf

import (
	"fmt"

	"github.com/virtm/virtm/internal/vm"
)

// Open fails on hosts without Hypervisor.framework.
func Open() (vm.Backend, error) {
	return nil, fmt.Errorf("%w: HVF requires darwin/arm64", vm.ErrUnavailable)
}
