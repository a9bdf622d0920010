package virtm_test

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	virtm "github.com/virtm/virtm"
)

func nativePlatform(t *testing.T) *virtm.Platform {
	t.Helper()
	platform, err := virtm.Native()
	if err != nil {
		if errors.Is(err, virtm.ErrUnavailable) {
			t.Skipf("Skipping: no native hypervisor backend (%v)", err)
		}
		t.Fatalf("Native() error = %v", err)
	}
	if !platform.Status().Usable() {
		t.Skipf("Skipping: hypervisor unavailable (%v)", platform.ProbeError())
	}
	return platform
}

func TestNativeProbe(t *testing.T) {
	platform := nativePlatform(t)

	features := platform.Features()
	if features.MaxProcessorsPerVM < 1 {
		t.Errorf("MaxProcessorsPerVM = %d, want >= 1", features.MaxProcessorsPerVM)
	}
	if features.GuestPhysicalAddress.MaxBits == 0 {
		t.Error("GuestPhysicalAddress.MaxBits = 0")
	}
	t.Logf("%s %s: %d processors per VM, %d GPA bits",
		platform.Kind(), platform.Version(),
		features.MaxProcessorsPerVM, features.GuestPhysicalAddress.MaxBits)
}

func TestEndToEnd(t *testing.T) {
	platform := nativePlatform(t)

	machine, err := platform.CreateVM(virtm.Specifications{
		Processors: 1,
		MemorySize: 4 * virtm.PageSize,
	})
	if err != nil {
		t.Fatalf("CreateVM() error = %v", err)
	}
	defer machine.Close()

	if got := machine.ProcessorCount(); got != 1 {
		t.Fatalf("ProcessorCount() = %d, want 1", got)
	}

	// Guest memory is readable and writable from the host side.
	payload := []byte("guest memory")
	if _, err := machine.WriteAt(payload, virtm.PageSize); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	back := make([]byte, len(payload))
	if _, err := machine.ReadAt(back, virtm.PageSize); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("ReadAt() = %q, want %q", back, payload)
	}

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor(0) error = %v", err)
	}

	// The instruction pointer must round-trip through the register file.
	ip := virtm.RegisterRIP
	if runtime.GOARCH == "arm64" {
		ip = virtm.RegisterPC
	}
	regs := map[virtm.Register]virtm.RegisterValue{ip: nil}
	if err := proc.Registers(regs); err != nil {
		t.Fatalf("Registers() error = %v", err)
	}
	if _, ok := regs[ip].(virtm.Register64); !ok {
		t.Fatalf("instruction pointer value = %T, want Register64", regs[ip])
	}
	if err := proc.SetRegisters(map[virtm.Register]virtm.RegisterValue{
		ip: virtm.Register64(virtm.PageSize),
	}); err != nil {
		t.Fatalf("SetRegisters() error = %v", err)
	}
	if err := proc.Registers(regs); err != nil {
		t.Fatalf("Registers() error = %v", err)
	}
	if got := regs[ip].(virtm.Register64); got != virtm.Register64(virtm.PageSize) {
		t.Errorf("instruction pointer = %#x, want %#x", uint64(got), virtm.PageSize)
	}
}

func TestLookupUnknownKind(t *testing.T) {
	if _, err := virtm.Lookup(virtm.Kind("nope")); !errors.Is(err, virtm.ErrUnavailable) {
		t.Fatalf("Lookup(nope) error = %v, want ErrUnavailable", err)
	}
}
