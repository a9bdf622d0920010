package vm

import (
	"fmt"
	"sort"
	"sync"
)

// The process-wide backend registry. Backends register an opener from an
// init function in a build-tagged file, so a given build only ever sees the
// backends its target platform can carry. Platforms are constructed lazily,
// at most once per kind, on first Lookup.

type registryEntry struct {
	open     func() (Backend, error)
	once     sync.Once
	platform *Platform
	err      error
}

var (
	registryMu sync.Mutex
	registry   = make(map[Kind]*registryEntry)
)

// RegisterBackend installs a backend opener for a kind. Registering the same kind
// twice is a programming error.
func RegisterBackend(kind Kind, open func() (Backend, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[kind]; ok {
		panic(fmt.Sprintf("vm: backend %q registered twice", kind))
	}
	registry[kind] = &registryEntry{open: open}
}

// Lookup returns the Platform for a backend kind, constructing and probing
// it on first access. Subsequent calls return the same instance without
// re-probing. An unregistered kind is an error; a registered backend whose
// host lacks the hypervisor yields a Platform with StatusUnavailable.
func Lookup(kind Kind) (*Platform, error) {
	registryMu.Lock()
	entry, ok := registry[kind]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no %q backend in this build", ErrUnavailable, kind)
	}

	entry.once.Do(func() {
		backend, err := entry.open()
		if err != nil {
			entry.err = fmt.Errorf("open %q backend: %w", kind, err)
			return
		}
		entry.platform = NewPlatform(backend)
	})
	return entry.platform, entry.err
}

// Kinds returns the registered backend kinds in stable order.
func Kinds() []Kind {
	registryMu.Lock()
	defer registryMu.Unlock()
	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
