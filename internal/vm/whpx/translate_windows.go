//go:build windows && amd64

package whpx

import (
	"fmt"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/whpx/bindings"
)

// registerNames maps the shared register model to WHV_REGISTER_NAME.
// ARM64 registers are deliberately absent; WHPX on amd64 cannot carry
// them and lookups fail with ErrUnsupported.
var registerNames = map[vm.Register]bindings.RegisterName{
	vm.RegisterRAX:    bindings.RegisterRax,
	vm.RegisterRBX:    bindings.RegisterRbx,
	vm.RegisterRCX:    bindings.RegisterRcx,
	vm.RegisterRDX:    bindings.RegisterRdx,
	vm.RegisterRSI:    bindings.RegisterRsi,
	vm.RegisterRDI:    bindings.RegisterRdi,
	vm.RegisterRSP:    bindings.RegisterRsp,
	vm.RegisterRBP:    bindings.RegisterRbp,
	vm.RegisterR8:     bindings.RegisterR8,
	vm.RegisterR9:     bindings.RegisterR9,
	vm.RegisterR10:    bindings.RegisterR10,
	vm.RegisterR11:    bindings.RegisterR11,
	vm.RegisterR12:    bindings.RegisterR12,
	vm.RegisterR13:    bindings.RegisterR13,
	vm.RegisterR14:    bindings.RegisterR14,
	vm.RegisterR15:    bindings.RegisterR15,
	vm.RegisterRIP:    bindings.RegisterRip,
	vm.RegisterRFLAGS: bindings.RegisterRflags,

	vm.RegisterCS:   bindings.RegisterCs,
	vm.RegisterDS:   bindings.RegisterDs,
	vm.RegisterES:   bindings.RegisterEs,
	vm.RegisterFS:   bindings.RegisterFs,
	vm.RegisterGS:   bindings.RegisterGs,
	vm.RegisterSS:   bindings.RegisterSs,
	vm.RegisterTR:   bindings.RegisterTr,
	vm.RegisterLDTR: bindings.RegisterLdtr,
	vm.RegisterGDTR: bindings.RegisterGdtr,
	vm.RegisterIDTR: bindings.RegisterIdtr,

	vm.RegisterCR0:          bindings.RegisterCr0,
	vm.RegisterCR2:          bindings.RegisterCr2,
	vm.RegisterCR3:          bindings.RegisterCr3,
	vm.RegisterCR4:          bindings.RegisterCr4,
	vm.RegisterCR8:          bindings.RegisterCr8,
	vm.RegisterXCR0:         bindings.RegisterXCr0,
	vm.RegisterEFER:         bindings.RegisterEfer,
	vm.RegisterKernelGSBase: bindings.RegisterKernelGsBase,
	vm.RegisterTSC:          bindings.RegisterTsc,

	vm.RegisterFPControl: bindings.RegisterFpControlStatus,
	vm.RegisterFPStatus:  bindings.RegisterFpControlStatus,
	vm.RegisterMXCSR:     bindings.RegisterXmmControlStatus,

	vm.RegisterXMM0:  bindings.RegisterXmm0,
	vm.RegisterXMM1:  bindings.RegisterXmm1,
	vm.RegisterXMM2:  bindings.RegisterXmm2,
	vm.RegisterXMM3:  bindings.RegisterXmm3,
	vm.RegisterXMM4:  bindings.RegisterXmm4,
	vm.RegisterXMM5:  bindings.RegisterXmm5,
	vm.RegisterXMM6:  bindings.RegisterXmm6,
	vm.RegisterXMM7:  bindings.RegisterXmm7,
	vm.RegisterXMM8:  bindings.RegisterXmm8,
	vm.RegisterXMM9:  bindings.RegisterXmm9,
	vm.RegisterXMM10: bindings.RegisterXmm10,
	vm.RegisterXMM11: bindings.RegisterXmm11,
	vm.RegisterXMM12: bindings.RegisterXmm12,
	vm.RegisterXMM13: bindings.RegisterXmm13,
	vm.RegisterXMM14: bindings.RegisterXmm14,
	vm.RegisterXMM15: bindings.RegisterXmm15,
}

func decodeRegister(reg vm.Register, val *bindings.RegisterValue) vm.RegisterValue {
	switch reg {
	case vm.RegisterCS, vm.RegisterDS, vm.RegisterES, vm.RegisterFS,
		vm.RegisterGS, vm.RegisterSS, vm.RegisterTR, vm.RegisterLDTR:
		seg := val.AsSegment()
		return vm.SegmentValue{
			Base:       seg.Base,
			Limit:      seg.Limit,
			Selector:   seg.Selector,
			Attributes: seg.Attributes,
		}
	case vm.RegisterGDTR, vm.RegisterIDTR:
		table := val.AsTable()
		return vm.TableValue{Base: table.Base, Limit: table.Limit}
	case vm.RegisterXMM0, vm.RegisterXMM1, vm.RegisterXMM2, vm.RegisterXMM3,
		vm.RegisterXMM4, vm.RegisterXMM5, vm.RegisterXMM6, vm.RegisterXMM7,
		vm.RegisterXMM8, vm.RegisterXMM9, vm.RegisterXMM10, vm.RegisterXMM11,
		vm.RegisterXMM12, vm.RegisterXMM13, vm.RegisterXMM14, vm.RegisterXMM15:
		raw := val.AsUint128()
		return vm.Register128{Low: raw.Low64, High: raw.High64}
	case vm.RegisterFPControl:
		return vm.Register64(*val.AsUint64() & 0xFFFF)
	case vm.RegisterFPStatus:
		return vm.Register64((*val.AsUint64() >> 16) & 0xFFFF)
	case vm.RegisterMXCSR:
		return vm.Register64(uint32(val.AsUint128().High64))
	default:
		return vm.Register64(*val.AsUint64())
	}
}

func encodeRegister(reg vm.Register, val vm.RegisterValue) (bindings.RegisterValue, error) {
	var out bindings.RegisterValue
	switch v := val.(type) {
	case vm.Register64:
		switch reg {
		case vm.RegisterFPControl:
			out.SetUint64(uint64(v) & 0xFFFF)
		case vm.RegisterFPStatus:
			out.SetUint64((uint64(v) & 0xFFFF) << 16)
		case vm.RegisterMXCSR:
			out.Raw.High64 = uint64(uint32(v))
		default:
			out.SetUint64(uint64(v))
		}
	case vm.Register128:
		out.Raw.Low64 = v.Low
		out.Raw.High64 = v.High
	case vm.SegmentValue:
		seg := out.AsSegment()
		seg.Base = v.Base
		seg.Limit = v.Limit
		seg.Selector = v.Selector
		seg.Attributes = v.Attributes
	case vm.TableValue:
		table := out.AsTable()
		table.Base = v.Base
		table.Limit = v.Limit
	default:
		return out, fmt.Errorf("%w: register value type %T", vm.ErrUnsupported, val)
	}
	return out, nil
}
