package vm

// RegisterValue is the value of a single named register. Concrete types are
// Register64 for integer registers, Register128 for SIMD registers,
// SegmentValue for segment registers and TableValue for descriptor tables.
type RegisterValue interface {
	isRegisterValue()
}

// Register64 holds a 64-bit general purpose, control or model-specific
// register value.
type Register64 uint64

func (Register64) isRegisterValue() {}

// Register128 holds a 128-bit SIMD register value.
type Register128 struct {
	Low  uint64
	High uint64
}

func (Register128) isRegisterValue() {}

// SegmentValue holds a segment register including its hidden descriptor
// state.
type SegmentValue struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

func (SegmentValue) isRegisterValue() {}

// TableValue holds a descriptor table register (GDTR or IDTR).
type TableValue struct {
	Base  uint64
	Limit uint16
}

func (TableValue) isRegisterValue() {}

// Register names a guest register in the shared model. Each backend adapter
// owns the translation to its native register encoding; names a backend
// cannot translate are rejected with an error, never silently ignored.
type Register uint32

const (
	RegisterInvalid Register = iota

	// x86-64 general purpose registers.
	RegisterRAX
	RegisterRBX
	RegisterRCX
	RegisterRDX
	RegisterRSI
	RegisterRDI
	RegisterRSP
	RegisterRBP
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRIP
	RegisterRFLAGS

	// x86-64 segment and descriptor table registers.
	RegisterCS
	RegisterDS
	RegisterES
	RegisterFS
	RegisterGS
	RegisterSS
	RegisterTR
	RegisterLDTR
	RegisterGDTR
	RegisterIDTR

	// x86-64 control and model-specific registers.
	RegisterCR0
	RegisterCR2
	RegisterCR3
	RegisterCR4
	RegisterCR8
	RegisterXCR0
	RegisterEFER
	RegisterKernelGSBase
	RegisterTSC

	// x86-64 floating point and SIMD state.
	RegisterFPControl
	RegisterFPStatus
	RegisterMXCSR
	RegisterXMM0
	RegisterXMM1
	RegisterXMM2
	RegisterXMM3
	RegisterXMM4
	RegisterXMM5
	RegisterXMM6
	RegisterXMM7
	RegisterXMM8
	RegisterXMM9
	RegisterXMM10
	RegisterXMM11
	RegisterXMM12
	RegisterXMM13
	RegisterXMM14
	RegisterXMM15

	// ARM64 general purpose registers.
	RegisterX0
	RegisterX1
	RegisterX2
	RegisterX3
	RegisterX4
	RegisterX5
	RegisterX6
	RegisterX7
	RegisterX8
	RegisterX9
	RegisterX10
	RegisterX11
	RegisterX12
	RegisterX13
	RegisterX14
	RegisterX15
	RegisterX16
	RegisterX17
	RegisterX18
	RegisterX19
	RegisterX20
	RegisterX21
	RegisterX22
	RegisterX23
	RegisterX24
	RegisterX25
	RegisterX26
	RegisterX27
	RegisterX28
	RegisterX29
	RegisterX30
	RegisterSP
	RegisterPC
	RegisterPSTATE
)
