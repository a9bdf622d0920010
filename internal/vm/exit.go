package vm

import "fmt"

// ExitReason classifies a VM exit in the shared model. Backend adapters
// translate their native exit encoding into one of these; native reasons
// without a translation become ExitUnknown and keep the raw code.
type ExitReason int

const (
	// ExitNormal reports a time slice expiration with nothing to handle.
	ExitNormal ExitReason = iota

	// ExitCancelled reports that the run was cancelled from another thread.
	ExitCancelled

	// ExitInterruptWindow reports that an interrupt injection window opened.
	ExitInterruptWindow

	// ExitIO reports an IN or OUT instruction.
	ExitIO

	// ExitMemory reports an access to unmapped or protected guest physical
	// memory.
	ExitMemory

	// ExitHalt reports a HLT instruction (or the architectural equivalent).
	ExitHalt

	// ExitCPUID reports a CPUID instruction, available when the
	// ExtendedExitCPUID exit is enabled.
	ExitCPUID

	// ExitMSRAccess reports an RDMSR or WRMSR instruction.
	ExitMSRAccess

	// ExitTSCAccess reports a timestamp counter access.
	ExitTSCAccess

	// ExitException reports a guest CPU exception selected by the
	// exception exit bitmap.
	ExitException

	// ExitAPICSMI reports a system management interrupt delivered through
	// the APIC.
	ExitAPICSMI

	// ExitHypercall reports a guest hypercall.
	ExitHypercall

	// ExitShutdown reports a guest triple fault or equivalent system
	// shutdown condition.
	ExitShutdown

	// ExitError reports a non-specific failure inside the hypervisor.
	ExitError

	// ExitUnknown carries a native exit reason the adapter has no
	// translation for. RawCode holds the original value.
	ExitUnknown
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "normal"
	case ExitCancelled:
		return "cancelled"
	case ExitInterruptWindow:
		return "interrupt-window"
	case ExitIO:
		return "io"
	case ExitMemory:
		return "memory"
	case ExitHalt:
		return "halt"
	case ExitCPUID:
		return "cpuid"
	case ExitMSRAccess:
		return "msr"
	case ExitTSCAccess:
		return "tsc"
	case ExitException:
		return "exception"
	case ExitAPICSMI:
		return "apic-smi"
	case ExitHypercall:
		return "hypercall"
	case ExitShutdown:
		return "shutdown"
	case ExitError:
		return "error"
	case ExitUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// MemoryAccessType describes the access that caused a memory exit.
type MemoryAccessType int

const (
	MemoryAccessRead MemoryAccessType = iota
	MemoryAccessWrite
	MemoryAccessExecute
)

// IOExit carries the payload of an I/O port exit.
type IOExit struct {
	Port       uint16
	Write      bool
	AccessSize uint8
	Data       uint32
	// String operation state for INS/OUTS.
	StringOp bool
	RepCount uint64
}

// MemoryExit carries the payload of a guest physical memory fault exit.
type MemoryExit struct {
	GPA         uint64
	GVA         uint64
	Access      MemoryAccessType
	GPAValid    bool
	Instruction []byte
}

// CPUIDExit carries the leaf requested by the guest together with the
// values the hypervisor would have returned on its own.
type CPUIDExit struct {
	RAX, RBX, RCX, RDX                             uint64
	DefaultRAX, DefaultRBX, DefaultRCX, DefaultRDX uint64
}

// MSRExit carries an MSR access exit.
type MSRExit struct {
	Write  bool
	MSR    uint32
	RAX    uint64
	RDX    uint64
}

// TSCAccessKind distinguishes the instruction behind a TSC access exit.
type TSCAccessKind int

const (
	TSCAccessRDTSC TSCAccessKind = iota
	TSCAccessRDTSCP
	TSCAccessRDMSR
	TSCAccessWRMSR
)

// TSCExit carries a timestamp counter access exit.
type TSCExit struct {
	Kind          TSCAccessKind
	TSCAux        uint64
	VirtualOffset uint64
	TSC           uint64
	ReferenceTime uint64
}

// ExceptionExit carries a guest exception exit.
type ExceptionExit struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	Parameter    uint64
	Software     bool
	Instruction  []byte
}

// SMIExit carries an APIC SMI exit.
type SMIExit struct {
	APICICR uint64
}

// HypercallExit carries the register file snapshot of a hypercall exit.
type HypercallExit struct {
	RAX, RBX, RCX, RDX, R8, RSI, RDI uint64
	XMM                              [6]Register128
}

// ExitInfo is the uniform record produced by every VirtualProcessor.Run
// call. Reason selects which payload pointer is populated; all other
// payloads are nil. RawCode always preserves the backend-native exit code.
type ExitInfo struct {
	Reason  ExitReason
	RawCode uint64

	// Authoritative instruction pointer state at the exit, when the
	// backend reports it with the exit record.
	RIP        uint64
	RFLAGS     uint64
	RIPValid   bool

	IO        *IOExit
	Memory    *MemoryExit
	CPUID     *CPUIDExit
	MSR       *MSRExit
	TSC       *TSCExit
	Exception *ExceptionExit
	SMI       *SMIExit
	Hypercall *HypercallExit
}
