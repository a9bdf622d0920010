//go:build linux && amd64

package kvm

import (
	"context"
	"testing"
	"time"

	"github.com/virtm/virtm/internal/vm"
)

func newTestPlatform(t testing.TB) *vm.Platform {
	t.Helper()

	backend, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	platform := vm.NewPlatform(backend)
	if !platform.Status().Usable() {
		t.Skipf("KVM not available: %v", platform.ProbeError())
	}
	t.Cleanup(func() {
		if err := platform.Close(); err != nil {
			t.Errorf("Close platform: %v", err)
		}
	})
	return platform
}

func TestProbe(t *testing.T) {
	platform := newTestPlatform(t)

	features := platform.Features()
	if features.MaxProcessorsPerVM < 1 {
		t.Errorf("MaxProcessorsPerVM = %d, want >= 1", features.MaxProcessorsPerVM)
	}
	if !features.CustomCPUIDs {
		t.Error("CustomCPUIDs = false, KVM always supports KVM_SET_CPUID2")
	}
	if !features.DirtyPageTracking {
		t.Error("DirtyPageTracking = false, KVM always supports KVM_GET_DIRTY_LOG")
	}
	if features.GuestPhysicalAddress.MaxBits < 32 {
		t.Errorf("GuestPhysicalAddress.MaxBits = %d, want >= 32", features.GuestPhysicalAddress.MaxBits)
	}
}

func TestPartitionLifecycle(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x200000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	// A second region maps and unmaps cleanly next to the base memory.
	backing, err := machine.AllocateMemory(0x2000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := machine.MapMemory(0x400000, backing, vm.PermRead|vm.PermWrite|vm.PermExecute); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if _, err := machine.WriteAt(payload, 0x400000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := machine.UnmapMemory(0x400000, 0x2000); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if err := backing.Close(); err != nil {
		t.Fatalf("Close backing: %v", err)
	}
}

// loadRealMode writes code into guest memory and points the processor at
// it with flat real mode segments.
func loadRealMode(t *testing.T, machine *vm.VirtualMachine, code []byte) *vm.VirtualProcessor {
	t.Helper()

	const entry = 0x1000
	if _, err := machine.WriteAt(code, entry); err != nil {
		t.Fatalf("WriteAt code: %v", err)
	}

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor(0): %v", err)
	}

	flat := vm.SegmentValue{Base: 0, Limit: 0xffff, Selector: 0, Attributes: 0x93}
	err = proc.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterCS:     vm.SegmentValue{Base: 0, Limit: 0xffff, Selector: 0, Attributes: 0x9b},
		vm.RegisterDS:     flat,
		vm.RegisterES:     flat,
		vm.RegisterSS:     flat,
		vm.RegisterRIP:    vm.Register64(entry),
		vm.RegisterRSP:    vm.Register64(0x800),
		vm.RegisterRFLAGS: vm.Register64(0x2),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	return proc
}

func TestRunHalt(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	proc := loadRealMode(t, machine, []byte{0xf4}) // hlt

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitHalt {
		t.Fatalf("exit reason = %s (raw %#x), want ExitHalt", exit.Reason, exit.RawCode)
	}
}

func TestRunPortWrite(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	code := []byte{
		0xb0, 0x2a, // mov al, 0x2a
		0xe6, 0xe9, // out 0xe9, al
		0xf4, // hlt
	}
	proc := loadRealMode(t, machine, code)

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitIO {
		t.Fatalf("exit reason = %s (raw %#x), want ExitIO", exit.Reason, exit.RawCode)
	}
	if exit.IO.Port != 0xe9 || !exit.IO.Write || exit.IO.AccessSize != 1 {
		t.Errorf("io exit = %+v, want 1-byte write to port 0xe9", exit.IO)
	}
	if exit.IO.Data != 0x2a {
		t.Errorf("io data = %#x, want 0x2a", exit.IO.Data)
	}

	exit, err = proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after io: %v", err)
	}
	if exit.Reason != vm.ExitHalt {
		t.Fatalf("exit reason = %s, want ExitHalt", exit.Reason)
	}
}

func TestRunCancel(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	proc := loadRealMode(t, machine, []byte{0xeb, 0xfe}) // jmp $

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(10 * time.Second)
	for {
		exit, err := proc.Run(ctx)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if exit.Reason == vm.ExitCancelled {
			break
		}
		// A stray host signal can kick the vCPU out early; resume until
		// the context deadline takes effect.
		if exit.Reason != vm.ExitNormal {
			t.Fatalf("exit reason = %s (raw %#x), want ExitCancelled", exit.Reason, exit.RawCode)
		}
		if time.Now().After(deadline) {
			t.Fatal("cancellation never reached the guest")
		}
	}
}

func TestDirtyPageTracking(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x4000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	backing, err := machine.AllocateMemory(0x2000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	perms := vm.PermRead | vm.PermWrite | vm.PermExecute | vm.PermDirtyTrack
	if err := machine.MapMemory(0x8000, backing, perms); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	code := []byte{
		0xc6, 0x06, 0x00, 0x90, 0x2a, // mov byte [0x9000], 0x2a
		0xf4, // hlt
	}
	proc := loadRealMode(t, machine, code)

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitHalt {
		t.Fatalf("exit reason = %s (raw %#x), want ExitHalt", exit.Reason, exit.RawCode)
	}

	bitmap, err := machine.QueryDirtyPages(0x8000, 0x2000)
	if err != nil {
		t.Fatalf("QueryDirtyPages: %v", err)
	}
	if len(bitmap) != 1 {
		t.Fatalf("bitmap length = %d, want 1", len(bitmap))
	}
	if bitmap[0]&0x2 == 0 {
		t.Errorf("bitmap = %#x, want bit 1 set for the written second page", bitmap[0])
	}
}

func TestRegistersRoundTrip(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	proc := loadRealMode(t, machine, []byte{0xf4}) // hlt

	want := map[vm.Register]vm.RegisterValue{
		vm.RegisterRAX:  vm.Register64(0x1122334455667788),
		vm.RegisterR15:  vm.Register64(0xdeadbeef),
		vm.RegisterGDTR: vm.TableValue{Base: 0x3000, Limit: 0x17},
		vm.RegisterXMM3: vm.Register128{Low: 0x0123456789abcdef, High: 0xfedcba9876543210},
	}
	if err := proc.SetRegisters(want); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	// Running to the hlt makes the shared register cache stale, so the
	// read below goes through the kernel rather than the cache.
	if exit, err := proc.Run(context.Background()); err != nil || exit.Reason != vm.ExitHalt {
		t.Fatalf("Run = %v, %v, want halt", exit, err)
	}

	got := map[vm.Register]vm.RegisterValue{
		vm.RegisterRAX:  nil,
		vm.RegisterR15:  nil,
		vm.RegisterGDTR: nil,
		vm.RegisterXMM3: nil,
	}
	if err := proc.Registers(got); err != nil {
		t.Fatalf("Registers: %v", err)
	}
	for reg, val := range want {
		if got[reg] != val {
			t.Errorf("register %d = %#v, want %#v", reg, got[reg], val)
		}
	}
}
