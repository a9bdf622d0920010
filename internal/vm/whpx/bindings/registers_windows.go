//go:build windows && amd64

package bindings

import "unsafe"

// RegisterName mirrors WHV_REGISTER_NAME.
type RegisterName uint32

// X64 General Purpose Registers
const (
	RegisterRax    RegisterName = 0x00000000
	RegisterRcx    RegisterName = 0x00000001
	RegisterRdx    RegisterName = 0x00000002
	RegisterRbx    RegisterName = 0x00000003
	RegisterRsp    RegisterName = 0x00000004
	RegisterRbp    RegisterName = 0x00000005
	RegisterRsi    RegisterName = 0x00000006
	RegisterRdi    RegisterName = 0x00000007
	RegisterR8     RegisterName = 0x00000008
	RegisterR9     RegisterName = 0x00000009
	RegisterR10    RegisterName = 0x0000000A
	RegisterR11    RegisterName = 0x0000000B
	RegisterR12    RegisterName = 0x0000000C
	RegisterR13    RegisterName = 0x0000000D
	RegisterR14    RegisterName = 0x0000000E
	RegisterR15    RegisterName = 0x0000000F
	RegisterRip    RegisterName = 0x00000010
	RegisterRflags RegisterName = 0x00000011
)

// X64 Segment Registers
const (
	RegisterEs   RegisterName = 0x00000012
	RegisterCs   RegisterName = 0x00000013
	RegisterSs   RegisterName = 0x00000014
	RegisterDs   RegisterName = 0x00000015
	RegisterFs   RegisterName = 0x00000016
	RegisterGs   RegisterName = 0x00000017
	RegisterLdtr RegisterName = 0x00000018
	RegisterTr   RegisterName = 0x00000019
)

// X64 Table Registers
const (
	RegisterIdtr RegisterName = 0x0000001A
	RegisterGdtr RegisterName = 0x0000001B
)

// X64 Control Registers
const (
	RegisterCr0 RegisterName = 0x0000001C
	RegisterCr2 RegisterName = 0x0000001D
	RegisterCr3 RegisterName = 0x0000001E
	RegisterCr4 RegisterName = 0x0000001F
	RegisterCr8 RegisterName = 0x00000020
)

// X64 Extended Control Registers
const (
	RegisterXCr0 RegisterName = 0x00000027
)

// X64 Floating Point and Vector Registers
const (
	RegisterXmm0             RegisterName = 0x00001000
	RegisterXmm1             RegisterName = 0x00001001
	RegisterXmm2             RegisterName = 0x00001002
	RegisterXmm3             RegisterName = 0x00001003
	RegisterXmm4             RegisterName = 0x00001004
	RegisterXmm5             RegisterName = 0x00001005
	RegisterXmm6             RegisterName = 0x00001006
	RegisterXmm7             RegisterName = 0x00001007
	RegisterXmm8             RegisterName = 0x00001008
	RegisterXmm9             RegisterName = 0x00001009
	RegisterXmm10            RegisterName = 0x0000100A
	RegisterXmm11            RegisterName = 0x0000100B
	RegisterXmm12            RegisterName = 0x0000100C
	RegisterXmm13            RegisterName = 0x0000100D
	RegisterXmm14            RegisterName = 0x0000100E
	RegisterXmm15            RegisterName = 0x0000100F
	RegisterFpControlStatus  RegisterName = 0x00001018
	RegisterXmmControlStatus RegisterName = 0x00001019
)

// X64 MSRs
const (
	RegisterTsc          RegisterName = 0x00002000
	RegisterEfer         RegisterName = 0x00002001
	RegisterKernelGsBase RegisterName = 0x00002002
)

// Interrupt / Event Registers
const (
	RegisterPendingInterruption         RegisterName = 0x80000000
	RegisterInterruptState              RegisterName = 0x80000001
	RegisterPendingEvent                RegisterName = 0x80000002
	RegisterDeliverabilityNotifications RegisterName = 0x80000004
)

// Uint128 mirrors WHV_UINT128.
type Uint128 struct {
	Low64  uint64
	High64 uint64
}

// X64SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER.
type X64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// X64TableRegister mirrors WHV_X64_TABLE_REGISTER.
type X64TableRegister struct {
	Pad   [3]uint16
	Limit uint16
	Base  uint64
}

// X64FPControlStatusRegister mirrors WHV_X64_FP_CONTROL_STATUS_REGISTER.
type X64FPControlStatusRegister struct {
	FpControl uint16
	FpStatus  uint16
	FpTag     uint8
	Reserved  uint8
	LastFpOp  uint16
	LastFpRip uint64
}

// X64XmmControlStatusRegister mirrors WHV_X64_XMM_CONTROL_STATUS_REGISTER.
type X64XmmControlStatusRegister struct {
	LastFpRdp            uint64
	XmmStatusControl     uint32
	XmmStatusControlMask uint32
}

// X64PendingEventType mirrors WHV_X64_PENDING_EVENT_TYPE.
type X64PendingEventType uint32

const (
	PendingEventException X64PendingEventType = 0
	PendingEventExtInt    X64PendingEventType = 5
)

// X64PendingInterruptionType mirrors WHV_X64_PENDING_INTERRUPTION_TYPE.
type X64PendingInterruptionType uint32

const (
	PendingInterruptionInterrupt X64PendingInterruptionType = 0
	PendingInterruptionNmi       X64PendingInterruptionType = 2
	PendingInterruptionException X64PendingInterruptionType = 3
)

// RegisterValue mirrors WHV_REGISTER_VALUE. It is a 16-byte union and the
// As* accessors reinterpret it in place.
type RegisterValue struct {
	Raw Uint128
}

// SetUint64 sets the union to a 64-bit register.
func (v *RegisterValue) SetUint64(val uint64) {
	*v = RegisterValue{}
	*(*uint64)(unsafe.Pointer(v)) = val
}

// AsUint128 interprets the union as Uint128.
func (v *RegisterValue) AsUint128() *Uint128 {
	return (*Uint128)(unsafe.Pointer(v))
}

// AsUint64 interprets the union as a 64-bit register.
func (v *RegisterValue) AsUint64() *uint64 {
	return (*uint64)(unsafe.Pointer(v))
}

// AsSegment interprets the union as a segment register.
func (v *RegisterValue) AsSegment() *X64SegmentRegister {
	return (*X64SegmentRegister)(unsafe.Pointer(v))
}

// AsTable interprets the union as a table register.
func (v *RegisterValue) AsTable() *X64TableRegister {
	return (*X64TableRegister)(unsafe.Pointer(v))
}

func Uint64RegisterValue(val uint64) RegisterValue {
	var rv RegisterValue
	rv.SetUint64(val)
	return rv
}

// PendingInterruptionRegister packs WHV_X64_PENDING_INTERRUPTION_REGISTER:
// InterruptionPending : 1, InterruptionType : 3, DeliverErrorCode : 1,
// InstructionLength : 4, NestedEvent : 1, Reserved : 6,
// InterruptionVector : 16, ErrorCode : 32.
func PendingInterruptionRegister(intType X64PendingInterruptionType, vector uint16, errorCode uint32, deliverErrorCode bool) RegisterValue {
	bits := uint64(1) | // InterruptionPending
		(uint64(intType)&0x7)<<1 |
		uint64(vector)<<16 |
		uint64(errorCode)<<32
	if deliverErrorCode {
		bits |= 1 << 4
	}
	return Uint64RegisterValue(bits)
}

// PendingExceptionEvent packs WHV_X64_PENDING_EXCEPTION_EVENT:
// EventPending : 1, EventType : 3, Reserved0 : 4, DeliverErrorCode : 1,
// Reserved1 : 7, Vector : 16, ErrorCode : 32, ExceptionParameter : 64.
func PendingExceptionEvent(vector uint16, errorCode uint32, deliverErrorCode bool, parameter uint64) RegisterValue {
	bits := uint64(1) | // EventPending
		(uint64(PendingEventException)&0x7)<<1 |
		uint64(vector)<<16 |
		uint64(errorCode)<<32
	if deliverErrorCode {
		bits |= 1 << 8
	}
	var rv RegisterValue
	rv.Raw.Low64 = bits
	rv.Raw.High64 = parameter
	return rv
}
