//go:build windows && amd64

package bindings

import "unsafe"

// RunVPExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type RunVPExitReason uint32

const (
	RunVPExitReasonNone                   RunVPExitReason = 0x00000000
	RunVPExitReasonMemoryAccess           RunVPExitReason = 0x00000001
	RunVPExitReasonX64IoPortAccess        RunVPExitReason = 0x00000002
	RunVPExitReasonUnrecoverableException RunVPExitReason = 0x00000004
	RunVPExitReasonInvalidVpRegisterValue RunVPExitReason = 0x00000005
	RunVPExitReasonUnsupportedFeature     RunVPExitReason = 0x00000006
	RunVPExitReasonX64InterruptWindow     RunVPExitReason = 0x00000007
	RunVPExitReasonX64Halt                RunVPExitReason = 0x00000008
	RunVPExitReasonX64MsrAccess           RunVPExitReason = 0x00001000
	RunVPExitReasonX64Cpuid               RunVPExitReason = 0x00001001
	RunVPExitReasonException              RunVPExitReason = 0x00001002
	RunVPExitReasonX64Rdtsc               RunVPExitReason = 0x00001003
	RunVPExitReasonX64ApicSmiTrap         RunVPExitReason = 0x00001004
	RunVPExitReasonHypercall              RunVPExitReason = 0x00001005
	RunVPExitReasonCanceled               RunVPExitReason = 0x00002001
)

func (r RunVPExitReason) String() string {
	switch r {
	case RunVPExitReasonNone:
		return "None"
	case RunVPExitReasonMemoryAccess:
		return "MemoryAccess"
	case RunVPExitReasonX64IoPortAccess:
		return "X64IoPortAccess"
	case RunVPExitReasonUnrecoverableException:
		return "UnrecoverableException"
	case RunVPExitReasonInvalidVpRegisterValue:
		return "InvalidVpRegisterValue"
	case RunVPExitReasonUnsupportedFeature:
		return "UnsupportedFeature"
	case RunVPExitReasonX64InterruptWindow:
		return "X64InterruptWindow"
	case RunVPExitReasonX64Halt:
		return "X64Halt"
	case RunVPExitReasonX64MsrAccess:
		return "X64MsrAccess"
	case RunVPExitReasonX64Cpuid:
		return "X64Cpuid"
	case RunVPExitReasonException:
		return "Exception"
	case RunVPExitReasonX64Rdtsc:
		return "X64Rdtsc"
	case RunVPExitReasonX64ApicSmiTrap:
		return "X64ApicSmiTrap"
	case RunVPExitReasonHypercall:
		return "Hypercall"
	case RunVPExitReasonCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// X64VPExecutionState mirrors WHV_X64_VP_EXECUTION_STATE.
type X64VPExecutionState struct {
	AsUINT16 uint16
}

// VPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type VPExitContext struct {
	ExecutionState       X64VPExecutionState
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   X64SegmentRegister
	Rip                  uint64
	Rflags               uint64
}

// MemoryAccessType mirrors WHV_MEMORY_ACCESS_TYPE.
type MemoryAccessType uint32

const (
	MemoryAccessRead    MemoryAccessType = 0
	MemoryAccessWrite   MemoryAccessType = 1
	MemoryAccessExecute MemoryAccessType = 2
)

// MemoryAccessInfo mirrors WHV_MEMORY_ACCESS_INFO. Bits: AccessType : 2,
// GpaUnmapped : 1, GvaValid : 1.
type MemoryAccessInfo struct {
	AsUINT32 uint32
}

func (i MemoryAccessInfo) AccessType() MemoryAccessType {
	return MemoryAccessType(i.AsUINT32 & 0x3)
}

func (i MemoryAccessInfo) GvaValid() bool {
	return i.AsUINT32&(1<<3) != 0
}

// MemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type MemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           MemoryAccessInfo
	Gpa                  GuestPhysicalAddress
	Gva                  GuestVirtualAddress
}

// X64IOPortAccessInfo mirrors WHV_X64_IO_PORT_ACCESS_INFO. Bits:
// IsWrite : 1, AccessSize : 3, StringOp : 1, RepPrefix : 1.
type X64IOPortAccessInfo struct {
	AsUINT32 uint32
}

func (i X64IOPortAccessInfo) IsWrite() bool {
	return i.AsUINT32&1 != 0
}

func (i X64IOPortAccessInfo) AccessSize() uint8 {
	return uint8((i.AsUINT32 >> 1) & 0x7)
}

// X64IOPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type X64IOPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           X64IOPortAccessInfo
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   X64SegmentRegister
	Es                   X64SegmentRegister
}

// X64MsrAccessInfo mirrors WHV_X64_MSR_ACCESS_INFO. Bit 0 is IsWrite.
type X64MsrAccessInfo struct {
	AsUINT32 uint32
}

func (i X64MsrAccessInfo) IsWrite() bool {
	return i.AsUINT32&1 != 0
}

// X64MsrAccessContext mirrors WHV_X64_MSR_ACCESS_CONTEXT.
type X64MsrAccessContext struct {
	AccessInfo X64MsrAccessInfo
	MsrNumber  uint32
	Rax        uint64
	Rdx        uint64
}

// X64CpuidAccessContext mirrors WHV_X64_CPUID_ACCESS_CONTEXT.
type X64CpuidAccessContext struct {
	Rax              uint64
	Rcx              uint64
	Rdx              uint64
	Rbx              uint64
	DefaultResultRax uint64
	DefaultResultRcx uint64
	DefaultResultRdx uint64
	DefaultResultRbx uint64
}

// VPExceptionInfo mirrors WHV_VP_EXCEPTION_INFO. Bits: ErrorCodeValid : 1,
// SoftwareException : 1.
type VPExceptionInfo struct {
	AsUINT32 uint32
}

func (i VPExceptionInfo) ErrorCodeValid() bool {
	return i.AsUINT32&1 != 0
}

// VPExceptionContext mirrors WHV_VP_EXCEPTION_CONTEXT.
type VPExceptionContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	ExceptionInfo        VPExceptionInfo
	ExceptionType        uint8
	Reserved2            [3]uint8
	ErrorCode            uint32
	ExceptionParameter   uint64
}

// X64RdtscInfo mirrors WHV_X64_RDTSC_INFO. Bit 0 is IsRdtscp.
type X64RdtscInfo struct {
	AsUINT64 uint64
}

func (i X64RdtscInfo) IsRdtscp() bool {
	return i.AsUINT64&1 != 0
}

// X64RdtscContext mirrors WHV_X64_RDTSC_CONTEXT.
type X64RdtscContext struct {
	TscAux        uint64
	VirtualOffset uint64
	Tsc           uint64
	ReferenceTime uint64
	RdtscInfo     X64RdtscInfo
}

// X64ApicSmiContext mirrors WHV_X64_APIC_SMI_CONTEXT.
type X64ApicSmiContext struct {
	ApicIcr uint64
}

const HypercallContextMaxXmm = 6

// HypercallContext mirrors WHV_HYPERCALL_CONTEXT.
type HypercallContext struct {
	Rax          uint64
	Rbx          uint64
	Rcx          uint64
	Rdx          uint64
	R8           uint64
	Rsi          uint64
	Rdi          uint64
	Reserved0    uint64
	XmmRegisters [HypercallContextMaxXmm]Uint128
	Reserved1    [2]uint64
}

// RunVPCancelReason mirrors WHV_RUN_VP_CANCEL_REASON.
type RunVPCancelReason uint32

const (
	RunVPCancelReasonUser RunVPCancelReason = 0
)

// RunVPCanceledContext mirrors WHV_RUN_VP_CANCELED_CONTEXT.
type RunVPCanceledContext struct {
	CancelReason RunVPCancelReason
}

// RunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT.
type RunVPExitContext struct {
	ExitReason RunVPExitReason
	Reserved   uint32
	VpContext  VPExitContext
	payload    [176]byte
}

// MemoryAccess returns the WHV_MEMORY_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) MemoryAccess() *MemoryAccessContext {
	return (*MemoryAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// IoPortAccess returns the WHV_X64_IO_PORT_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) IoPortAccess() *X64IOPortAccessContext {
	return (*X64IOPortAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// MsrAccess returns the WHV_X64_MSR_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) MsrAccess() *X64MsrAccessContext {
	return (*X64MsrAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// CpuidAccess returns the WHV_X64_CPUID_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) CpuidAccess() *X64CpuidAccessContext {
	return (*X64CpuidAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// VpException returns the WHV_VP_EXCEPTION_CONTEXT view of the payload.
func (c *RunVPExitContext) VpException() *VPExceptionContext {
	return (*VPExceptionContext)(unsafe.Pointer(&c.payload[0]))
}

// ReadTsc returns the WHV_X64_RDTSC_CONTEXT view of the payload.
func (c *RunVPExitContext) ReadTsc() *X64RdtscContext {
	return (*X64RdtscContext)(unsafe.Pointer(&c.payload[0]))
}

// ApicSmi returns the WHV_X64_APIC_SMI_CONTEXT view of the payload.
func (c *RunVPExitContext) ApicSmi() *X64ApicSmiContext {
	return (*X64ApicSmiContext)(unsafe.Pointer(&c.payload[0]))
}

// Hypercall returns the WHV_HYPERCALL_CONTEXT view of the payload.
func (c *RunVPExitContext) Hypercall() *HypercallContext {
	return (*HypercallContext)(unsafe.Pointer(&c.payload[0]))
}

// CancelReason returns the WHV_RUN_VP_CANCELED_CONTEXT view of the payload.
func (c *RunVPExitContext) CancelReason() *RunVPCanceledContext {
	return (*RunVPCanceledContext)(unsafe.Pointer(&c.payload[0]))
}
