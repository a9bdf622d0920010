package vm_test

import (
	"errors"
	"testing"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/stub"
)

func testSpec() vm.Specifications {
	return vm.Specifications{
		Processors: 1,
		MemorySize: 0x200000,
	}
}

func TestPlatformProbeOK(t *testing.T) {
	backend := stub.New()
	platform := vm.NewPlatform(backend)

	if platform.Status() != vm.StatusOK {
		t.Fatalf("status = %s, want ok", platform.Status())
	}
	if got := platform.Version().String(); got != "1.0.0.0" {
		t.Fatalf("version = %s, want 1.0.0.0", got)
	}
	if platform.Features().MaxProcessorsPerVM != 8 {
		t.Fatalf("MaxProcessorsPerVM = %d, want 8", platform.Features().MaxProcessorsPerVM)
	}
}

func TestPlatformUnavailableBlocksCreateVM(t *testing.T) {
	backend := stub.NewWithOptions(stub.Options{Status: vm.StatusUnavailable})
	platform := vm.NewPlatform(backend)

	_, err := platform.CreateVM(testSpec())
	if !errors.Is(err, vm.ErrUnavailable) {
		t.Fatalf("CreateVM error = %v, want ErrUnavailable", err)
	}
	if backend.OpenPartitions() != 0 {
		t.Fatalf("unavailable platform allocated a partition")
	}
}

func TestPlatformFailedBlocksCreateVM(t *testing.T) {
	probeErr := errors.New("capability query exploded")
	backend := stub.NewWithOptions(stub.Options{
		Status:   vm.StatusFailed,
		Features: stub.DefaultFeatures(),
		ProbeErr: probeErr,
	})
	platform := vm.NewPlatform(backend)

	if !errors.Is(platform.ProbeError(), probeErr) {
		t.Fatalf("ProbeError = %v, want %v", platform.ProbeError(), probeErr)
	}
	_, err := platform.CreateVM(testSpec())
	if !errors.Is(err, vm.ErrFailed) {
		t.Fatalf("CreateVM error = %v, want ErrFailed", err)
	}
}

func TestCreateVMTooManyProcessors(t *testing.T) {
	backend := stub.New()
	platform := vm.NewPlatform(backend)

	spec := testSpec()
	spec.Processors = platform.Features().MaxProcessorsPerVM + 1

	_, err := platform.CreateVM(spec)
	if !errors.Is(err, vm.ErrInvalidSpecification) {
		t.Fatalf("CreateVM error = %v, want ErrInvalidSpecification", err)
	}
	if backend.OpenPartitions() != 0 {
		t.Fatalf("rejected specification leaked a partition handle")
	}
}

func TestCreateVMMemoryBeyondAddressLimit(t *testing.T) {
	backend := stub.New()
	platform := vm.NewPlatform(backend)

	spec := testSpec()
	spec.MemoryBase = platform.Features().GuestPhysicalAddress.MaxAddress &^ (vm.PageSize - 1)

	_, err := platform.CreateVM(spec)
	if !errors.Is(err, vm.ErrInvalidSpecification) {
		t.Fatalf("CreateVM error = %v, want ErrInvalidSpecification", err)
	}
}

func TestCreateVMUnsupportedExtendedExits(t *testing.T) {
	features := stub.DefaultFeatures()
	features.ExtendedVMExits &^= vm.ExtendedExitHypercall
	backend := stub.NewWithOptions(stub.Options{
		Status:   vm.StatusOK,
		Features: features,
	})
	platform := vm.NewPlatform(backend)

	spec := testSpec()
	spec.ExtendedVMExits = vm.ExtendedExitHypercall

	if _, err := platform.CreateVM(spec); !errors.Is(err, vm.ErrInvalidSpecification) {
		t.Fatalf("CreateVM error = %v, want ErrInvalidSpecification", err)
	}
}

func TestFeaturesExceptionExitsConsistency(t *testing.T) {
	platform := vm.NewPlatform(stub.New())
	features := platform.Features()

	if features.ExceptionExits != 0 && !features.ExtendedVMExits.Has(vm.ExtendedExitException) {
		t.Fatalf("ExceptionExits populated without exception exit support")
	}
}

func TestDestroyVMsReleasesEverything(t *testing.T) {
	backend := stub.New()
	platform := vm.NewPlatform(backend)

	for i := 0; i < 3; i++ {
		if _, err := platform.CreateVM(testSpec()); err != nil {
			t.Fatalf("CreateVM %d: %v", i, err)
		}
	}
	if backend.OpenPartitions() != 3 {
		t.Fatalf("open partitions = %d, want 3", backend.OpenPartitions())
	}

	platform.DestroyVMs()
	if backend.OpenPartitions() != 0 {
		t.Fatalf("open partitions after DestroyVMs = %d, want 0", backend.OpenPartitions())
	}
}

func TestPlatformCloseDestroysVMsBeforeDispatch(t *testing.T) {
	backend := stub.New()
	platform := vm.NewPlatform(backend)

	if _, err := platform.CreateVM(testSpec()); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := platform.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	trace := backend.Trace()
	deleted, released := -1, -1
	for i, line := range trace {
		switch line {
		case "delete partition 1":
			deleted = i
		case "release dispatch table":
			released = i
		}
	}
	if deleted == -1 || released == -1 {
		t.Fatalf("trace missing teardown entries: %v", trace)
	}
	if deleted > released {
		t.Fatalf("dispatch table released before partition teardown: %v", trace)
	}
}
