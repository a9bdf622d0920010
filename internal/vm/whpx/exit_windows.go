//go:build windows && amd64

package whpx

import (
	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/whpx/bindings"
)

// translateExit converts a native WHV_RUN_VP_EXIT_CONTEXT into the shared
// exit record. Reasons without a translation are preserved as ExitUnknown
// with the native code in RawCode.
func translateExit(exit *bindings.RunVPExitContext) *vm.ExitInfo {
	info := &vm.ExitInfo{
		RawCode:  uint64(exit.ExitReason),
		RIP:      exit.VpContext.Rip,
		RFLAGS:   exit.VpContext.Rflags,
		RIPValid: true,
	}

	switch exit.ExitReason {
	case bindings.RunVPExitReasonNone:
		info.Reason = vm.ExitNormal

	case bindings.RunVPExitReasonCanceled:
		info.Reason = vm.ExitCancelled

	case bindings.RunVPExitReasonX64InterruptWindow:
		info.Reason = vm.ExitInterruptWindow

	case bindings.RunVPExitReasonX64Halt:
		info.Reason = vm.ExitHalt

	case bindings.RunVPExitReasonX64IoPortAccess:
		io := exit.IoPortAccess()
		info.Reason = vm.ExitIO
		info.IO = &vm.IOExit{
			Port:       io.Port,
			Write:      io.AccessInfo.IsWrite(),
			AccessSize: io.AccessInfo.AccessSize(),
			Data:       uint32(io.Rax),
			StringOp:   io.AccessInfo.AsUINT32&(1<<4) != 0,
			RepCount:   io.Rcx,
		}

	case bindings.RunVPExitReasonMemoryAccess:
		mem := exit.MemoryAccess()
		info.Reason = vm.ExitMemory
		memExit := &vm.MemoryExit{
			GPA:      uint64(mem.Gpa),
			GPAValid: true,
		}
		if mem.AccessInfo.GvaValid() {
			memExit.GVA = uint64(mem.Gva)
		}
		switch mem.AccessInfo.AccessType() {
		case bindings.MemoryAccessWrite:
			memExit.Access = vm.MemoryAccessWrite
		case bindings.MemoryAccessExecute:
			memExit.Access = vm.MemoryAccessExecute
		default:
			memExit.Access = vm.MemoryAccessRead
		}
		if n := int(mem.InstructionByteCount); n > 0 && n <= len(mem.InstructionBytes) {
			memExit.Instruction = append([]byte(nil), mem.InstructionBytes[:n]...)
		}
		info.Memory = memExit

	case bindings.RunVPExitReasonX64Cpuid:
		cpuid := exit.CpuidAccess()
		info.Reason = vm.ExitCPUID
		info.CPUID = &vm.CPUIDExit{
			RAX:        cpuid.Rax,
			RBX:        cpuid.Rbx,
			RCX:        cpuid.Rcx,
			RDX:        cpuid.Rdx,
			DefaultRAX: cpuid.DefaultResultRax,
			DefaultRBX: cpuid.DefaultResultRbx,
			DefaultRCX: cpuid.DefaultResultRcx,
			DefaultRDX: cpuid.DefaultResultRdx,
		}

	case bindings.RunVPExitReasonX64MsrAccess:
		msr := exit.MsrAccess()
		info.Reason = vm.ExitMSRAccess
		info.MSR = &vm.MSRExit{
			Write: msr.AccessInfo.IsWrite(),
			MSR:   msr.MsrNumber,
			RAX:   msr.Rax,
			RDX:   msr.Rdx,
		}

	case bindings.RunVPExitReasonX64Rdtsc:
		tsc := exit.ReadTsc()
		info.Reason = vm.ExitTSCAccess
		kind := vm.TSCAccessRDTSC
		if tsc.RdtscInfo.IsRdtscp() {
			kind = vm.TSCAccessRDTSCP
		}
		info.TSC = &vm.TSCExit{
			Kind:          kind,
			TSCAux:        tsc.TscAux,
			VirtualOffset: tsc.VirtualOffset,
			TSC:           tsc.Tsc,
			ReferenceTime: tsc.ReferenceTime,
		}

	case bindings.RunVPExitReasonException:
		exc := exit.VpException()
		info.Reason = vm.ExitException
		excExit := &vm.ExceptionExit{
			Vector:       exc.ExceptionType,
			ErrorCode:    exc.ErrorCode,
			HasErrorCode: exc.ExceptionInfo.ErrorCodeValid(),
			Parameter:    exc.ExceptionParameter,
			Software:     exc.ExceptionInfo.AsUINT32&(1<<1) != 0,
		}
		if n := int(exc.InstructionByteCount); n > 0 && n <= len(exc.InstructionBytes) {
			excExit.Instruction = append([]byte(nil), exc.InstructionBytes[:n]...)
		}
		info.Exception = excExit

	case bindings.RunVPExitReasonX64ApicSmiTrap:
		smi := exit.ApicSmi()
		info.Reason = vm.ExitAPICSMI
		info.SMI = &vm.SMIExit{APICICR: smi.ApicIcr}

	case bindings.RunVPExitReasonHypercall:
		hc := exit.Hypercall()
		info.Reason = vm.ExitHypercall
		hcExit := &vm.HypercallExit{
			RAX: hc.Rax,
			RBX: hc.Rbx,
			RCX: hc.Rcx,
			RDX: hc.Rdx,
			R8:  hc.R8,
			RSI: hc.Rsi,
			RDI: hc.Rdi,
		}
		for i, xmm := range hc.XmmRegisters {
			hcExit.XMM[i] = vm.Register128{Low: xmm.Low64, High: xmm.High64}
		}
		info.Hypercall = hcExit

	case bindings.RunVPExitReasonUnrecoverableException:
		info.Reason = vm.ExitShutdown

	case bindings.RunVPExitReasonInvalidVpRegisterValue,
		bindings.RunVPExitReasonUnsupportedFeature:
		info.Reason = vm.ExitError

	default:
		info.Reason = vm.ExitUnknown
	}

	return info
}
