// Package factory wires the native hypervisor backends for the build's
// target platform into the shared registry. Importing it (usually for side
// effects) is what makes vm.Lookup find a backend; which backend that is
// depends on GOOS/GOARCH at build time.
package factory

import (
	"fmt"

	"github.com/virtm/virtm/internal/vm"
)

// Native returns the platform for this build's native hypervisor backend,
// probing it on first call. On a target with no native backend it returns
// a wrapped vm.ErrUnavailable.
func Native() (*vm.Platform, error) {
	if nativeKind == "" {
		return nil, fmt.Errorf("%w: no native hypervisor backend for this platform", vm.ErrUnavailable)
	}
	return vm.Lookup(nativeKind)
}

// Usable returns the platforms whose backends probed as usable on this
// host, in registry order.
func Usable() []*vm.Platform {
	var out []*vm.Platform
	for _, kind := range vm.Kinds() {
		platform, err := vm.Lookup(kind)
		if err != nil {
			continue
		}
		if platform.Status().Usable() {
			out = append(out, platform)
		}
	}
	return out
}
