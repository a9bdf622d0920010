package vm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/stub"
)

func newTestVM(t *testing.T, backend *stub.Backend, spec vm.Specifications) *vm.VirtualMachine {
	t.Helper()
	platform := vm.NewPlatform(backend)
	machine, err := platform.CreateVM(spec)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	return machine
}

func TestMapUnmapRoundTrip(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	before := len(machine.MemoryRegions())

	mem, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x4000000, mem, vm.PermRead|vm.PermWrite); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if got := len(machine.MemoryRegions()); got != before+1 {
		t.Fatalf("regions after map = %d, want %d", got, before+1)
	}

	if err := machine.UnmapMemory(0x4000000, 0x10000); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if got := len(machine.MemoryRegions()); got != before {
		t.Fatalf("regions after unmap = %d, want %d", got, before)
	}
}

func TestMapMemoryOverlapRejected(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	mem, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x4000000, mem, vm.PermRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	regions := machine.MemoryRegions()

	overlap, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	for _, gpa := range []uint64{0x4000000, 0x4008000, 0x3FF8000} {
		if err := machine.MapMemory(gpa, overlap, vm.PermRWX); !errors.Is(err, vm.ErrInvalidSpecification) {
			t.Fatalf("MapMemory(0x%x) error = %v, want ErrInvalidSpecification", gpa, err)
		}
	}

	after := machine.MemoryRegions()
	if len(after) != len(regions) {
		t.Fatalf("failed map mutated the region list: %d -> %d regions", len(regions), len(after))
	}
	for i := range regions {
		if regions[i].GPA != after[i].GPA || regions[i].Size != after[i].Size {
			t.Fatalf("failed map mutated region %d", i)
		}
	}
}

func TestMapMemoryUnaligned(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	mem, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x4000800, mem, vm.PermRWX); !errors.Is(err, vm.ErrInvalidSpecification) {
		t.Fatalf("unaligned MapMemory error = %v, want ErrInvalidSpecification", err)
	}
}

func TestUnmapExactRangeRequired(t *testing.T) {
	features := stub.DefaultFeatures()
	features.PartialUnmapping = false
	backend := stub.NewWithOptions(stub.Options{Status: vm.StatusOK, Features: features})
	machine := newTestVM(t, backend, testSpec())

	mem, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x4000000, mem, vm.PermRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	if err := machine.UnmapMemory(0x4000000, 0x8000); !errors.Is(err, vm.ErrInvalidSpecification) {
		t.Fatalf("sub-range unmap error = %v, want ErrInvalidSpecification", err)
	}
	if err := machine.UnmapMemory(0x4000000, 0x10000); err != nil {
		t.Fatalf("exact unmap: %v", err)
	}
}

func TestPartialUnmapSplitsRegion(t *testing.T) {
	backend := stub.New() // partial unmapping enabled
	machine := newTestVM(t, backend, testSpec())

	mem, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x4000000, mem, vm.PermRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := machine.UnmapMemory(0x4004000, 0x4000); err != nil {
		t.Fatalf("partial unmap: %v", err)
	}

	var pieces []vm.MemoryRegion
	for _, region := range machine.MemoryRegions() {
		if region.GPA >= 0x4000000 && region.GPA < 0x4010000 {
			pieces = append(pieces, region)
		}
	}
	if len(pieces) != 2 {
		t.Fatalf("pieces after partial unmap = %d, want 2", len(pieces))
	}
	if pieces[0].GPA != 0x4000000 || pieces[0].Size != 0x4000 {
		t.Fatalf("low piece = [0x%x, +0x%x)", pieces[0].GPA, pieces[0].Size)
	}
	if pieces[1].GPA != 0x4008000 || pieces[1].Size != 0x8000 {
		t.Fatalf("high piece = [0x%x, +0x%x)", pieces[1].GPA, pieces[1].Size)
	}
}

func TestQueryDirtyPagesFeatureGated(t *testing.T) {
	features := stub.DefaultFeatures()
	features.DirtyPageTracking = false
	backend := stub.NewWithOptions(stub.Options{Status: vm.StatusOK, Features: features})
	machine := newTestVM(t, backend, testSpec())

	if _, err := machine.QueryDirtyPages(0, 0x200000); !errors.Is(err, vm.ErrUnsupported) {
		t.Fatalf("QueryDirtyPages error = %v, want ErrUnsupported", err)
	}
}

func TestQueryDirtyPagesBitmap(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	part := backend.LastPartition()
	part.MarkDirty(0x1000)
	part.MarkDirty(0x42000)

	bitmap, err := machine.QueryDirtyPages(0, 0x200000)
	if err != nil {
		t.Fatalf("QueryDirtyPages: %v", err)
	}
	if bitmap[0]&(1<<1) == 0 {
		t.Fatalf("page 1 not reported dirty")
	}
	if bitmap[1]&(1<<(0x42-64)) == 0 {
		t.Fatalf("page 0x42 not reported dirty")
	}

	// A second query sees a clean slate.
	bitmap, err = machine.QueryDirtyPages(0, 0x200000)
	if err != nil {
		t.Fatalf("QueryDirtyPages: %v", err)
	}
	for i, word := range bitmap {
		if word != 0 {
			t.Fatalf("bitmap word %d = 0x%x after reset, want 0", i, word)
		}
	}
}

func TestGuestMemoryReadWrite(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	payload := []byte("boot sector goes here")
	if _, err := machine.WriteAt(payload, 0x7C00); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := machine.ReadAt(got, 0x7C00); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}

	if _, err := machine.ReadAt(got, 0x10000000); err == nil {
		t.Fatalf("ReadAt on unmapped range succeeded")
	}
}

func TestTeardownOrdering(t *testing.T) {
	backend := stub.New()
	spec := testSpec()
	spec.Processors = 3
	machine := newTestVM(t, backend, spec)

	extra, err := machine.AllocateMemory(0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x4000000, extra, vm.PermRWX); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	if err := machine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var lastProcDelete, firstUnmap, partDelete int
	firstUnmap = -1
	for i, line := range backend.Trace() {
		switch {
		case strings.HasPrefix(line, "delete processor"):
			lastProcDelete = i
		case strings.HasPrefix(line, "unmap"):
			if firstUnmap == -1 {
				firstUnmap = i
			}
		case strings.HasPrefix(line, "delete partition"):
			partDelete = i
		}
	}

	if firstUnmap == -1 {
		t.Fatalf("no unmap recorded: %v", backend.Trace())
	}
	if lastProcDelete > firstUnmap {
		t.Fatalf("processor destroyed after memory unmap: %v", backend.Trace())
	}
	if firstUnmap > partDelete {
		t.Fatalf("memory unmapped after partition release: %v", backend.Trace())
	}
}

func TestOperationsAfterClose(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	if err := machine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := machine.UnmapMemory(0, 0x1000); !errors.Is(err, vm.ErrInvalidState) {
		t.Fatalf("UnmapMemory after Close error = %v, want ErrInvalidState", err)
	}
	if _, err := machine.QueryDirtyPages(0, 0x1000); !errors.Is(err, vm.ErrInvalidState) {
		t.Fatalf("QueryDirtyPages after Close error = %v, want ErrInvalidState", err)
	}
}
