//go:build linux && amd64

package kvm

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/virtm/virtm/internal/vm"
)

func TestClassifyRegisters(t *testing.T) {
	g, err := classifyRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterRAX:  nil,
		vm.RegisterCR3:  nil,
		vm.RegisterXMM0: nil,
		vm.RegisterTSC:  nil,
		vm.RegisterXCR0: nil,
	})
	if err != nil {
		t.Fatalf("classifyRegisters: %v", err)
	}
	if !g.regs || !g.sregs || !g.fpu || !g.msrs || !g.xcrs {
		t.Errorf("groups = %+v, want all set", g)
	}

	_, err = classifyRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterX0: nil,
	})
	if !errors.Is(err, vm.ErrUnsupported) {
		t.Errorf("ARM64 register error = %v, want ErrUnsupported", err)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	cases := []vm.SegmentValue{
		{Base: 0, Limit: 0xffff, Selector: 0, Attributes: 0x9b},
		{Base: 0xfffff000, Limit: 0xffffffff, Selector: 0x10, Attributes: 0xc093},
		{Base: 0, Limit: 0, Selector: 0x28, Attributes: 0x208b},
		{Selector: 0x18}, // unusable
	}
	for _, want := range cases {
		got := segmentFromKVM(segmentToKVM(want))
		if got != want {
			t.Errorf("round trip of %+v = %+v", want, got)
		}
	}
}

func newTranslateProcessor() *processor {
	return &processor{run: make([]byte, 0x1000)}
}

func TestTranslateIOExit(t *testing.T) {
	p := newTranslateProcessor()
	run := p.runData()
	run.exit_reason = uint32(kvmExitIO)

	ioData := (*kvmExitIOData)(unsafe.Pointer(&run.anon0[0]))
	*ioData = kvmExitIOData{
		direction:  1, // out
		size:       2,
		port:       0x3f8,
		count:      1,
		dataOffset: 0x800,
	}
	p.run[0x800] = 0x34
	p.run[0x801] = 0x12

	info := p.translateExit(run)
	if info.Reason != vm.ExitIO {
		t.Fatalf("reason = %s, want ExitIO", info.Reason)
	}
	if info.IO.Port != 0x3f8 || !info.IO.Write || info.IO.AccessSize != 2 {
		t.Errorf("io = %+v, want 2-byte write to 0x3f8", info.IO)
	}
	if info.IO.Data != 0x1234 {
		t.Errorf("data = %#x, want 0x1234", info.IO.Data)
	}
	if info.IO.StringOp {
		t.Error("StringOp = true for a single transfer")
	}
}

func TestTranslateMMIOExit(t *testing.T) {
	p := newTranslateProcessor()
	run := p.runData()
	run.exit_reason = uint32(kvmExitMMIO)

	mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
	mmio.physAddr = 0xfee00000
	mmio.isWrite = 1

	info := p.translateExit(run)
	if info.Reason != vm.ExitMemory {
		t.Fatalf("reason = %s, want ExitMemory", info.Reason)
	}
	if info.Memory.GPA != 0xfee00000 || !info.Memory.GPAValid {
		t.Errorf("memory = %+v, want valid GPA 0xfee00000", info.Memory)
	}
	if info.Memory.Access != vm.MemoryAccessWrite {
		t.Errorf("access = %v, want write", info.Memory.Access)
	}
}

func TestTranslateMSRExit(t *testing.T) {
	p := newTranslateProcessor()
	run := p.runData()
	run.exit_reason = uint32(kvmExitX86Wrmsr)

	msr := (*kvmExitMsrData)(unsafe.Pointer(&run.anon0[0]))
	msr.index = 0xc0000080 // EFER
	msr.data = 0x1122334455667788

	info := p.translateExit(run)
	if info.Reason != vm.ExitMSRAccess {
		t.Fatalf("reason = %s, want ExitMSRAccess", info.Reason)
	}
	if !info.MSR.Write || info.MSR.MSR != 0xc0000080 {
		t.Errorf("msr = %+v, want write of 0xc0000080", info.MSR)
	}
	if info.MSR.RAX != 0x55667788 || info.MSR.RDX != 0x11223344 {
		t.Errorf("rax:rdx = %#x:%#x, want split of the 64-bit value", info.MSR.RAX, info.MSR.RDX)
	}
}

func TestTranslateUnknownExit(t *testing.T) {
	p := newTranslateProcessor()
	run := p.runData()
	run.exit_reason = 0x7fff

	info := p.translateExit(run)
	if info.Reason != vm.ExitUnknown {
		t.Fatalf("reason = %s, want ExitUnknown", info.Reason)
	}
	if info.RawCode != 0x7fff {
		t.Errorf("raw code = %#x, want 0x7fff", info.RawCode)
	}
}
