//go:build windows && amd64

package whpx

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
		t.Skipf("WHPX not available: %v", platform.ProbeError())
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
	if platform.Version() == (vm.VersionInfo{}) {
		t.Error("Version is zero, expected a Windows build number")
	}
}

func newTestVM(t *testing.T, platform *vm.Platform, spec vm.Specifications) *vm.VirtualMachine {
	t.Helper()
	machine, err := platform.CreateVM(spec)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	t.Cleanup(func() { machine.Close() })
	return machine
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
	machine := newTestVM(t, platform, vm.Specifications{Processors: 1, MemorySize: 0x10000})

	proc := loadRealMode(t, machine, []byte{0xf4}) // hlt

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitHalt {
		t.Fatalf("exit reason = %s (raw %#x), want ExitHalt", exit.Reason, exit.RawCode)
	}
	if !exit.RIPValid {
		t.Error("RIPValid = false, WHPX reports the VP context on every exit")
	}
}

func TestRunPortWrite(t *testing.T) {
	platform := newTestPlatform(t)
	machine := newTestVM(t, platform, vm.Specifications{Processors: 1, MemorySize: 0x10000})

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
	if exit.IO.Data&0xff != 0x2a {
		t.Errorf("io data = %#x, want low byte 0x2a", exit.IO.Data)
	}
}

func TestRunCancel(t *testing.T) {
	platform := newTestPlatform(t)
	machine := newTestVM(t, platform, vm.Specifications{Processors: 1, MemorySize: 0x10000})

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
		if exit.Reason != vm.ExitNormal {
			t.Fatalf("exit reason = %s (raw %#x), want ExitCancelled", exit.Reason, exit.RawCode)
		}
		if time.Now().After(deadline) {
			t.Fatal("cancellation never reached the guest")
		}
	}
}

func TestCPUIDOverride(t *testing.T) {
	platform := newTestPlatform(t)
	if !platform.Features().CustomCPUIDs {
		t.Skip("custom CPUID results not supported")
	}

	machine := newTestVM(t, platform, vm.Specifications{
		Processors: 1,
		MemorySize: 0x10000,
		CPUIDResults: []vm.CPUIDResult{
			{Function: 0x40000000, EBX: 0x74726976, ECX: 0x6d},
		},
	})

	code := []byte{
		0x66, 0xb8, 0x00, 0x00, 0x00, 0x40, // mov eax, 0x40000000
		0x0f, 0xa2, // cpuid
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

	regs := map[vm.Register]vm.RegisterValue{vm.RegisterRBX: nil, vm.RegisterRCX: nil}
	if err := proc.Registers(regs); err != nil {
		t.Fatalf("Registers: %v", err)
	}
	if rbx := regs[vm.RegisterRBX].(vm.Register64); uint32(rbx) != 0x74726976 {
		t.Errorf("ebx = %#x, want the configured CPUID override", uint32(rbx))
	}
	if rcx := regs[vm.RegisterRCX].(vm.Register64); uint32(rcx) != 0x6d {
		t.Errorf("ecx = %#x, want the configured CPUID override", uint32(rcx))
	}
}

func TestRegistersRoundTrip(t *testing.T) {
	platform := newTestPlatform(t)
	machine := newTestVM(t, platform, vm.Specifications{Processors: 1, MemorySize: 0x10000})

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
	// read below goes through the hypervisor rather than the cache.
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
