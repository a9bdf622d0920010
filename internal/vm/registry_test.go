package vm_test

import (
	"errors"
	"testing"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/stub"
)

func TestLookupConstructsOnce(t *testing.T) {
	backend := stub.New()
	opened := 0
	vm.RegisterBackend(vm.KindStub, func() (vm.Backend, error) {
		opened++
		return backend, nil
	})

	first, err := vm.Lookup(vm.KindStub)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	second, err := vm.Lookup(vm.KindStub)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if first != second {
		t.Fatalf("Lookup returned distinct platforms")
	}
	if opened != 1 {
		t.Fatalf("backend opened %d times, want 1", opened)
	}

	probes := 0
	for _, line := range backend.Trace() {
		if line == "probe" {
			probes++
		}
	}
	if probes != 1 {
		t.Fatalf("backend probed %d times, want 1", probes)
	}
}

func TestLookupUnregisteredKind(t *testing.T) {
	if _, err := vm.Lookup(vm.Kind("missing")); !errors.Is(err, vm.ErrUnavailable) {
		t.Fatalf("Lookup error = %v, want ErrUnavailable", err)
	}
}

func TestKindsSorted(t *testing.T) {
	kinds := vm.Kinds()
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] >= kinds[i] {
			t.Fatalf("kinds not sorted: %v", kinds)
		}
	}
}
