//go:build linux && amd64

package kvm

import "fmt"

const kvmAPIVersion = 12

// ioctl request numbers from the KVM uapi. System ioctls act on /dev/kvm,
// VM ioctls on the fd returned by KVM_CREATE_VM and vCPU ioctls on the fd
// returned by KVM_CREATE_VCPU.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMmapSize     = 0xae04
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmCreateVCPUIoctl     = 0xae41
	kvmGetDirtyLog         = 0x4010ae42
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmInterrupt           = 0x4004ae86
	kvmGetMsrs             = 0xc008ae88
	kvmSetMsrs             = 0x4008ae89
	kvmGetFpu              = 0x81a0ae8c
	kvmSetFpu              = 0x41a0ae8d
	kvmSetCPUID2           = 0x4008ae90
	kvmNMI                 = 0xae9a
	kvmGetVCPUEvents       = 0x8040ae9f
	kvmSetVCPUEvents       = 0x4040aea0
	kvmEnableCap           = 0x4068aea3
	kvmGetXcrs             = 0x8188aea6
	kvmSetXcrs             = 0x4188aea7
	kvmSMI                 = 0xaeb7
)

// KVM_CHECK_EXTENSION capability numbers.
const (
	kvmCapUserMemory       = 3
	kvmCapNrVCPUs          = 9
	kvmCapNrMemslots       = 10
	kvmCapSyncMMU          = 16
	kvmCapXcrs             = 56
	kvmCapMaxVCPUs         = 66
	kvmCapReadonlyMem      = 81
	kvmCapImmediateExit    = 136
	kvmCapX86UserSpaceMsr  = 188
)

// KVM_ENABLE_CAP argument for KVM_CAP_X86_USER_SPACE_MSR. The mask selects
// which failed in-kernel MSR accesses are forwarded to userspace.
const (
	kvmMsrExitReasonInval  = 1 << 0
	kvmMsrExitReasonUnknown = 1 << 1
	kvmMsrExitReasonFilter  = 1 << 2
)

// Memory slot flags.
const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1
)

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIO            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMMIO          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
)

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIO:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMMIO:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case kvmExitX86Rdmsr:
		return "KVM_EXIT_X86_RDMSR"
	case kvmExitX86Wrmsr:
		return "KVM_EXIT_X86_WRMSR"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

const kvmSystemEventShutdown = 1

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmDirtyLog struct {
	Slot        uint32
	Padding     uint32
	DirtyBitmap uint64
}

const syncRegsSizeBytes = 2048

// kvmRunData mirrors struct kvm_run. Exit payloads live in the anon0 union
// and are reinterpreted based on exit_reason.
type kvmRunData struct {
	request_interrupt_window      uint8
	immediate_exit                uint8
	padding1                      [6]uint8
	exit_reason                   uint32
	ready_for_interrupt_injection uint8
	if_flag                       uint8
	flags                         uint16
	cr8                           uint64
	apic_base                     uint64
	anon0                         [256]byte
	kvm_valid_regs                uint64
	kvm_dirty_regs                uint64
	s                             struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitIOData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmExitMsrData struct {
	errorByte uint8
	pad       [7]uint8
	reason    uint32
	index     uint32
	data      uint64
}

type kvmSystemEvent struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type internalErrorSubReason uint32

type internalError struct {
	Suberror internalErrorSubReason
	Ndata    uint32
	Data     [16]uint64
}

type kvmInterruptArg struct {
	IRQ uint32
}

// kvmVCPUEvents mirrors struct kvm_vcpu_events on x86.
type kvmVCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		Pad      uint8
	}
	SipiVector          uint32
	Flags               uint32
	SMI                 struct {
		SMM           uint8
		Pending       uint8
		SMMInsideNMI  uint8
		LatchedInit   uint8
	}
	Reserved            [27]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

type kvmEnableCapArgs struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
}

const (
	kvmNrInterrupts = 256
	kvmMaxXCRS      = 16
)

type kvmRegs struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	Rbp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmFPU struct {
	Fpr        [8][16]uint8
	Fcw        uint16
	Fsw        uint16
	Ftwx       uint8
	Pad1       uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	Xmm        [16][16]uint8
	Mxcsr      uint32
	Pad2       uint32
}

type kvmXcr struct {
	Xcr      uint32
	Reserved uint32
	Value    uint64
}

type kvmXcrs struct {
	NrXcrs  uint32
	Flags   uint32
	Xcrs    [kvmMaxXCRS]kvmXcr
	Padding [16]uint64
}

type kvmMsrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type kvmMsrs struct {
	Nmsrs uint32
	Pad   uint32
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type kvmCPUID2 struct {
	Nr      uint32
	Padding uint32
}

// Model-specific registers surfaced through the shared register model.
const (
	msrIA32TSC      = 0x00000010
	msrKernelGsBase = 0xc0000102
)
