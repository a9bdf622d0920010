//go:build !(windows && amd64)

package whpx

import (
	"fmt"

	"github.com/virtm/virtm/internal/vm"
)

// Open fails on hosts without the Windows Hypervisor Platform.
func Open() (vm.Backend, error) {
	return nil, fmt.Errorf("%w: WHPX requires windows/amd64", vm.ErrUnavailable)
}
