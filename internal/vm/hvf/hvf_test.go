//go:build darwin && arm64

package hvf

import (
	"context"
	"encoding/binary"
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
		t.Skipf("Hypervisor.framework not available: %v", platform.ProbeError())
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
	if features.GuestPhysicalAddress.MaxBits < 32 {
		t.Errorf("GuestPhysicalAddress.MaxBits = %d, want >= 32", features.GuestPhysicalAddress.MaxBits)
	}
	if features.DirtyPageTracking {
		t.Error("DirtyPageTracking = true, the adapter does not expose it")
	}
}

// loadGuest writes ARM64 instructions into guest memory and points the
// processor at them. Sizes and addresses stay multiples of the 16K host
// page size hv_vm_map requires.
func loadGuest(t *testing.T, machine *vm.VirtualMachine, code []uint32) *vm.VirtualProcessor {
	t.Helper()

	const entry = 0x4000
	buf := make([]byte, len(code)*4)
	for i, insn := range code {
		binary.LittleEndian.PutUint32(buf[i*4:], insn)
	}
	if _, err := machine.WriteAt(buf, entry); err != nil {
		t.Fatalf("WriteAt code: %v", err)
	}

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor(0): %v", err)
	}
	if err := proc.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterPC: vm.Register64(entry),
		vm.RegisterSP: vm.Register64(0x3000),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	return proc
}

func TestRunHypercall(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	proc := loadGuest(t, machine, []uint32{
		0xd2800540, // movz x0, #42
		0xd4000002, // hvc #0
	})

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitHypercall {
		t.Fatalf("exit reason = %s (raw %#x), want ExitHypercall", exit.Reason, exit.RawCode)
	}
	if exit.Hypercall.RAX != 42 {
		t.Errorf("x0 = %d, want 42", exit.Hypercall.RAX)
	}
	if !exit.RIPValid {
		t.Error("RIPValid = false, the adapter reads PC on every exit")
	}
}

func TestRunMemoryFault(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer machine.Close()

	proc := loadGuest(t, machine, []uint32{
		0xd2a00201, // movz x1, #0x10, lsl #16  (x1 = 0x100000, unmapped)
		0xf9000020, // str x0, [x1]
	})

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitMemory {
		t.Fatalf("exit reason = %s (raw %#x), want ExitMemory", exit.Reason, exit.RawCode)
	}
	if exit.Memory.GPA != 0x100000 || !exit.Memory.GPAValid {
		t.Errorf("memory = %+v, want valid GPA 0x100000", exit.Memory)
	}
	if exit.Memory.Access != vm.MemoryAccessWrite {
		t.Errorf("access = %v, want write", exit.Memory.Access)
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

	proc := loadGuest(t, machine, []uint32{
		0x14000000, // b .
	})

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
		// The virtual timer can kick the vCPU out before the context
		// deadline; resume until the cancellation lands.
		if exit.Reason != vm.ExitNormal {
			t.Fatalf("exit reason = %s (raw %#x), want ExitCancelled", exit.Reason, exit.RawCode)
		}
		if time.Now().After(deadline) {
			t.Fatal("cancellation never reached the guest")
		}
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

	proc := loadGuest(t, machine, []uint32{
		0xd4000002, // hvc #0
	})

	want := map[vm.Register]vm.RegisterValue{
		vm.RegisterX5:  vm.Register64(0x1122334455667788),
		vm.RegisterX28: vm.Register64(0xdeadbeef),
		vm.RegisterSP:  vm.Register64(0x3000),
	}
	if err := proc.SetRegisters(want); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	// Running to the hvc makes the shared register cache stale, so the
	// read below goes through the framework rather than the cache.
	if exit, err := proc.Run(context.Background()); err != nil || exit.Reason != vm.ExitHypercall {
		t.Fatalf("Run = %v, %v, want hypercall", exit, err)
	}

	got := map[vm.Register]vm.RegisterValue{
		vm.RegisterX5:  nil,
		vm.RegisterX28: nil,
		vm.RegisterSP:  nil,
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

func TestSingleVMPerProcess(t *testing.T) {
	platform := newTestPlatform(t)

	machine, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if _, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	}); err == nil {
		t.Error("second concurrent VM creation succeeded, the framework supports one VM per process")
	}

	if err := machine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Once the first VM is gone a new one can be created.
	again, err := platform.CreateVM(vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
	})
	if err != nil {
		t.Fatalf("CreateVM after close: %v", err)
	}
	again.Close()
}

func TestTranslateNonExceptionExits(t *testing.T) {
	// Exception exits read guest registers through the framework, so only
	// the reasons that decode without a live vCPU are covered here; the
	// exception classes are exercised by the run tests above.
	p := &processor{exit: &hvVcpuExit{Reason: hvExitReasonCanceled}}
	if info := p.translateExit(); info.Reason != vm.ExitCancelled {
		t.Errorf("reason = %s, want ExitCancelled", info.Reason)
	}

	p.exit.Reason = hvExitReasonVTimerActivated
	if info := p.translateExit(); info.Reason != vm.ExitNormal {
		t.Errorf("reason = %s, want ExitNormal for a vtimer wakeup", info.Reason)
	}

	p.exit.Reason = hvExitReason(0x7f)
	info := p.translateExit()
	if info.Reason != vm.ExitUnknown {
		t.Errorf("reason = %s, want ExitUnknown", info.Reason)
	}
	if info.RawCode != 0x7f {
		t.Errorf("raw code = %#x, want 0x7f", info.RawCode)
	}
}
