//go:build !((windows && amd64) || (linux && amd64) || (darwin && arm64))

package factory

import "github.com/virtm/virtm/internal/vm"

const nativeKind = vm.Kind("")
