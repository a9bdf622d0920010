//go:build linux && amd64

package kvm

import (
	"unsafe"

	"github.com/virtm/virtm/internal/vm"
)

// translateExit maps the native exit record in the run structure onto the
// shared exit model. The run structure does not carry the instruction
// pointer, so RIPValid stays false and callers read RIP through the
// register interface when they need it.
func (p *processor) translateExit(run *kvmRunData) *vm.ExitInfo {
	reason := kvmExitReason(run.exit_reason)
	info := &vm.ExitInfo{
		Reason:  vm.ExitUnknown,
		RawCode: uint64(reason),
	}

	switch reason {
	case kvmExitIntr:
		info.Reason = vm.ExitCancelled

	case kvmExitHlt:
		info.Reason = vm.ExitHalt

	case kvmExitIrqWindowOpen:
		info.Reason = vm.ExitInterruptWindow

	case kvmExitIO:
		ioData := (*kvmExitIOData)(unsafe.Pointer(&run.anon0[0]))
		info.Reason = vm.ExitIO
		io := &vm.IOExit{
			Port:       ioData.port,
			Write:      ioData.direction != 0,
			AccessSize: ioData.size,
			StringOp:   ioData.count > 1,
			RepCount:   uint64(ioData.count),
		}
		// The transfer buffer lives inside the run mapping at the offset
		// the kernel reports.
		if io.Write && ioData.dataOffset+uint64(ioData.size) <= uint64(len(p.run)) {
			data := p.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)]
			for i := len(data) - 1; i >= 0; i-- {
				io.Data = io.Data<<8 | uint32(data[i])
			}
		}
		info.IO = io

	case kvmExitMMIO:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		info.Reason = vm.ExitMemory
		access := vm.MemoryAccessRead
		if mmioData.isWrite != 0 {
			access = vm.MemoryAccessWrite
		}
		info.Memory = &vm.MemoryExit{
			GPA:      mmioData.physAddr,
			GPAValid: true,
			Access:   access,
		}

	case kvmExitX86Rdmsr, kvmExitX86Wrmsr:
		msrData := (*kvmExitMsrData)(unsafe.Pointer(&run.anon0[0]))
		info.Reason = vm.ExitMSRAccess
		info.MSR = &vm.MSRExit{
			Write: reason == kvmExitX86Wrmsr,
			MSR:   msrData.index,
			RAX:   msrData.data & 0xFFFFFFFF,
			RDX:   msrData.data >> 32,
		}

	case kvmExitShutdown:
		info.Reason = vm.ExitShutdown

	case kvmExitSystemEvent:
		event := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if event.typ == kvmSystemEventShutdown {
			info.Reason = vm.ExitShutdown
		} else {
			info.Reason = vm.ExitError
		}

	case kvmExitFailEntry, kvmExitInternalError:
		info.Reason = vm.ExitError
	}

	return info
}
