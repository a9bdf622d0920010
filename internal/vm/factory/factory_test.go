package factory

import (
	"errors"
	"testing"

	"github.com/virtm/virtm/internal/vm"
)

func TestNative(t *testing.T) {
	platform, err := Native()
	if err != nil {
		if errors.Is(err, vm.ErrUnavailable) {
			t.Skipf("no native backend: %v", err)
		}
		t.Fatalf("Native: %v", err)
	}
	if platform.Kind() != nativeKind {
		t.Fatalf("kind = %q, want %q", platform.Kind(), nativeKind)
	}
	if !platform.Status().Usable() {
		t.Skipf("native backend %s not usable: %v", platform.Kind(), platform.ProbeError())
	}

	// Lookup must hand back the same probed instance.
	again, err := vm.Lookup(nativeKind)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if again != platform {
		t.Fatal("Lookup returned a different platform instance")
	}
}

func TestUsable(t *testing.T) {
	for _, platform := range Usable() {
		if !platform.Status().Usable() {
			t.Errorf("Usable returned %s with status %v", platform.Kind(), platform.Status())
		}
	}
}
