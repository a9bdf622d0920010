package virtm

import "github.com/virtm/virtm/internal/vm"

// Shared register file names. Each backend translates these to its native
// register encoding; names a backend cannot translate are rejected with an
// error, never silently ignored.
const (
	RegisterInvalid = vm.RegisterInvalid

	// x86-64 general purpose registers.
	RegisterRAX    = vm.RegisterRAX
	RegisterRBX    = vm.RegisterRBX
	RegisterRCX    = vm.RegisterRCX
	RegisterRDX    = vm.RegisterRDX
	RegisterRSI    = vm.RegisterRSI
	RegisterRDI    = vm.RegisterRDI
	RegisterRSP    = vm.RegisterRSP
	RegisterRBP    = vm.RegisterRBP
	RegisterR8     = vm.RegisterR8
	RegisterR9     = vm.RegisterR9
	RegisterR10    = vm.RegisterR10
	RegisterR11    = vm.RegisterR11
	RegisterR12    = vm.RegisterR12
	RegisterR13    = vm.RegisterR13
	RegisterR14    = vm.RegisterR14
	RegisterR15    = vm.RegisterR15
	RegisterRIP    = vm.RegisterRIP
	RegisterRFLAGS = vm.RegisterRFLAGS

	// x86-64 segment and descriptor table registers.
	RegisterCS   = vm.RegisterCS
	RegisterDS   = vm.RegisterDS
	RegisterES   = vm.RegisterES
	RegisterFS   = vm.RegisterFS
	RegisterGS   = vm.RegisterGS
	RegisterSS   = vm.RegisterSS
	RegisterTR   = vm.RegisterTR
	RegisterLDTR = vm.RegisterLDTR
	RegisterGDTR = vm.RegisterGDTR
	RegisterIDTR = vm.RegisterIDTR

	// x86-64 control and model-specific registers.
	RegisterCR0          = vm.RegisterCR0
	RegisterCR2          = vm.RegisterCR2
	RegisterCR3          = vm.RegisterCR3
	RegisterCR4          = vm.RegisterCR4
	RegisterCR8          = vm.RegisterCR8
	RegisterXCR0         = vm.RegisterXCR0
	RegisterEFER         = vm.RegisterEFER
	RegisterKernelGSBase = vm.RegisterKernelGSBase
	RegisterTSC          = vm.RegisterTSC

	// x86-64 floating point and SIMD state.
	RegisterFPControl = vm.RegisterFPControl
	RegisterFPStatus  = vm.RegisterFPStatus
	RegisterMXCSR     = vm.RegisterMXCSR
	RegisterXMM0      = vm.RegisterXMM0
	RegisterXMM1      = vm.RegisterXMM1
	RegisterXMM2      = vm.RegisterXMM2
	RegisterXMM3      = vm.RegisterXMM3
	RegisterXMM4      = vm.RegisterXMM4
	RegisterXMM5      = vm.RegisterXMM5
	RegisterXMM6      = vm.RegisterXMM6
	RegisterXMM7      = vm.RegisterXMM7
	RegisterXMM8      = vm.RegisterXMM8
	RegisterXMM9      = vm.RegisterXMM9
	RegisterXMM10     = vm.RegisterXMM10
	RegisterXMM11     = vm.RegisterXMM11
	RegisterXMM12     = vm.RegisterXMM12
	RegisterXMM13     = vm.RegisterXMM13
	RegisterXMM14     = vm.RegisterXMM14
	RegisterXMM15     = vm.RegisterXMM15

	// ARM64 general purpose registers.
	RegisterX0     = vm.RegisterX0
	RegisterX1     = vm.RegisterX1
	RegisterX2     = vm.RegisterX2
	RegisterX3     = vm.RegisterX3
	RegisterX4     = vm.RegisterX4
	RegisterX5     = vm.RegisterX5
	RegisterX6     = vm.RegisterX6
	RegisterX7     = vm.RegisterX7
	RegisterX8     = vm.RegisterX8
	RegisterX9     = vm.RegisterX9
	RegisterX10    = vm.RegisterX10
	RegisterX11    = vm.RegisterX11
	RegisterX12    = vm.RegisterX12
	RegisterX13    = vm.RegisterX13
	RegisterX14    = vm.RegisterX14
	RegisterX15    = vm.RegisterX15
	RegisterX16    = vm.RegisterX16
	RegisterX17    = vm.RegisterX17
	RegisterX18    = vm.RegisterX18
	RegisterX19    = vm.RegisterX19
	RegisterX20    = vm.RegisterX20
	RegisterX21    = vm.RegisterX21
	RegisterX22    = vm.RegisterX22
	RegisterX23    = vm.RegisterX23
	RegisterX24    = vm.RegisterX24
	RegisterX25    = vm.RegisterX25
	RegisterX26    = vm.RegisterX26
	RegisterX27    = vm.RegisterX27
	RegisterX28    = vm.RegisterX28
	RegisterX29    = vm.RegisterX29
	RegisterX30    = vm.RegisterX30
	RegisterSP     = vm.RegisterSP
	RegisterPC     = vm.RegisterPC
	RegisterPSTATE = vm.RegisterPSTATE
)
