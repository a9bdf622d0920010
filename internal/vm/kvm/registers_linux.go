//go:build linux && amd64

package kvm

import (
	"encoding/binary"
	"fmt"

	"github.com/virtm/virtm/internal/vm"
)

// regGroups tracks which KVM register ioctls a request touches. Each group
// is fetched once per call regardless of how many registers it satisfies.
type regGroups struct {
	regs  bool
	sregs bool
	fpu   bool
	xcrs  bool
	msrs  bool
}

func classifyRegisters(regs map[vm.Register]vm.RegisterValue) (regGroups, error) {
	var g regGroups
	for reg := range regs {
		switch {
		case reg >= vm.RegisterRAX && reg <= vm.RegisterRFLAGS:
			g.regs = true
		case reg >= vm.RegisterCS && reg <= vm.RegisterIDTR:
			g.sregs = true
		case reg >= vm.RegisterCR0 && reg <= vm.RegisterCR8:
			g.sregs = true
		case reg == vm.RegisterEFER:
			g.sregs = true
		case reg == vm.RegisterXCR0:
			g.xcrs = true
		case reg == vm.RegisterTSC || reg == vm.RegisterKernelGSBase:
			g.msrs = true
		case reg >= vm.RegisterFPControl && reg <= vm.RegisterXMM15:
			g.fpu = true
		default:
			return regGroups{}, fmt.Errorf("%w: register %d has no KVM translation", vm.ErrUnsupported, reg)
		}
	}
	return g, nil
}

func segmentFromKVM(s kvmSegment) vm.SegmentValue {
	if s.Unusable != 0 {
		return vm.SegmentValue{Selector: s.Selector}
	}
	var attrs uint16
	attrs |= uint16(s.Type) & 0xF
	attrs |= uint16(s.S&1) << 4
	attrs |= uint16(s.Dpl&3) << 5
	attrs |= uint16(s.Present&1) << 7
	attrs |= uint16(s.Avl&1) << 12
	attrs |= uint16(s.L&1) << 13
	attrs |= uint16(s.Db&1) << 14
	attrs |= uint16(s.G&1) << 15
	return vm.SegmentValue{
		Base:       s.Base,
		Limit:      s.Limit,
		Selector:   s.Selector,
		Attributes: attrs,
	}
}

func segmentToKVM(v vm.SegmentValue) kvmSegment {
	s := kvmSegment{
		Base:     v.Base,
		Limit:    v.Limit,
		Selector: v.Selector,
	}
	if v.Attributes == 0 {
		s.Unusable = 1
		return s
	}
	s.Type = uint8(v.Attributes & 0xF)
	s.S = uint8(v.Attributes >> 4 & 1)
	s.Dpl = uint8(v.Attributes >> 5 & 3)
	s.Present = uint8(v.Attributes >> 7 & 1)
	s.Avl = uint8(v.Attributes >> 12 & 1)
	s.L = uint8(v.Attributes >> 13 & 1)
	s.Db = uint8(v.Attributes >> 14 & 1)
	s.G = uint8(v.Attributes >> 15 & 1)
	return s
}

func (p *processor) Registers(out map[vm.Register]vm.RegisterValue) error {
	g, err := classifyRegisters(out)
	if err != nil {
		return err
	}

	if g.regs {
		r, err := getRegisters(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_REGS: %v", vm.ErrFailed, err)
		}
		for reg := range out {
			if v, ok := readGPRegister(&r, reg); ok {
				out[reg] = v
			}
		}
	}

	if g.sregs {
		s, err := getSRegs(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_SREGS: %v", vm.ErrFailed, err)
		}
		for reg := range out {
			switch reg {
			case vm.RegisterCS:
				out[reg] = segmentFromKVM(s.Cs)
			case vm.RegisterDS:
				out[reg] = segmentFromKVM(s.Ds)
			case vm.RegisterES:
				out[reg] = segmentFromKVM(s.Es)
			case vm.RegisterFS:
				out[reg] = segmentFromKVM(s.Fs)
			case vm.RegisterGS:
				out[reg] = segmentFromKVM(s.Gs)
			case vm.RegisterSS:
				out[reg] = segmentFromKVM(s.Ss)
			case vm.RegisterTR:
				out[reg] = segmentFromKVM(s.Tr)
			case vm.RegisterLDTR:
				out[reg] = segmentFromKVM(s.Ldt)
			case vm.RegisterGDTR:
				out[reg] = vm.TableValue{Base: s.Gdt.Base, Limit: s.Gdt.Limit}
			case vm.RegisterIDTR:
				out[reg] = vm.TableValue{Base: s.Idt.Base, Limit: s.Idt.Limit}
			case vm.RegisterCR0:
				out[reg] = vm.Register64(s.Cr0)
			case vm.RegisterCR2:
				out[reg] = vm.Register64(s.Cr2)
			case vm.RegisterCR3:
				out[reg] = vm.Register64(s.Cr3)
			case vm.RegisterCR4:
				out[reg] = vm.Register64(s.Cr4)
			case vm.RegisterCR8:
				out[reg] = vm.Register64(s.Cr8)
			case vm.RegisterEFER:
				out[reg] = vm.Register64(s.Efer)
			}
		}
	}

	if g.fpu {
		f, err := getFPU(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_FPU: %v", vm.ErrFailed, err)
		}
		for reg := range out {
			switch {
			case reg == vm.RegisterFPControl:
				out[reg] = vm.Register64(f.Fcw)
			case reg == vm.RegisterFPStatus:
				out[reg] = vm.Register64(f.Fsw)
			case reg == vm.RegisterMXCSR:
				out[reg] = vm.Register64(f.Mxcsr)
			case reg >= vm.RegisterXMM0 && reg <= vm.RegisterXMM15:
				i := int(reg - vm.RegisterXMM0)
				out[reg] = vm.Register128{
					Low:  binary.LittleEndian.Uint64(f.Xmm[i][0:8]),
					High: binary.LittleEndian.Uint64(f.Xmm[i][8:16]),
				}
			}
		}
	}

	if g.xcrs {
		x, err := getXcrs(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_XCRS: %v", vm.ErrFailed, err)
		}
		for i := uint32(0); i < x.NrXcrs; i++ {
			if x.Xcrs[i].Xcr == 0 {
				out[vm.RegisterXCR0] = vm.Register64(x.Xcrs[i].Value)
			}
		}
	}

	if g.msrs {
		var entries []kvmMsrEntry
		var targets []vm.Register
		for reg := range out {
			switch reg {
			case vm.RegisterTSC:
				entries = append(entries, kvmMsrEntry{Index: msrIA32TSC})
				targets = append(targets, reg)
			case vm.RegisterKernelGSBase:
				entries = append(entries, kvmMsrEntry{Index: msrKernelGsBase})
				targets = append(targets, reg)
			}
		}
		if err := getMSRs(p.fd, entries); err != nil {
			return fmt.Errorf("%w: KVM_GET_MSRS: %v", vm.ErrFailed, err)
		}
		for i, reg := range targets {
			out[reg] = vm.Register64(entries[i].Data)
		}
	}

	return nil
}

func (p *processor) SetRegisters(in map[vm.Register]vm.RegisterValue) error {
	g, err := classifyRegisters(in)
	if err != nil {
		return err
	}

	// Every touched group is read, modified and written back so registers
	// outside the request keep their values.
	if g.regs {
		r, err := getRegisters(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_REGS: %v", vm.ErrFailed, err)
		}
		for reg, val := range in {
			if err := writeGPRegister(&r, reg, val); err != nil {
				return err
			}
		}
		if err := setRegisters(p.fd, &r); err != nil {
			return fmt.Errorf("%w: KVM_SET_REGS: %v", vm.ErrFailed, err)
		}
	}

	if g.sregs {
		s, err := getSRegs(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_SREGS: %v", vm.ErrFailed, err)
		}
		for reg, val := range in {
			if err := writeSpecialRegister(&s, reg, val); err != nil {
				return err
			}
		}
		if err := setSRegs(p.fd, &s); err != nil {
			return fmt.Errorf("%w: KVM_SET_SREGS: %v", vm.ErrFailed, err)
		}
	}

	if g.fpu {
		f, err := getFPU(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_FPU: %v", vm.ErrFailed, err)
		}
		for reg, val := range in {
			if err := writeFPURegister(&f, reg, val); err != nil {
				return err
			}
		}
		if err := setFPU(p.fd, &f); err != nil {
			return fmt.Errorf("%w: KVM_SET_FPU: %v", vm.ErrFailed, err)
		}
	}

	if g.xcrs {
		val, ok := in[vm.RegisterXCR0].(vm.Register64)
		if !ok {
			return fmt.Errorf("%w: XCR0 requires a 64-bit value", vm.ErrInvalidState)
		}
		var x kvmXcrs
		x.NrXcrs = 1
		x.Xcrs[0].Xcr = 0
		x.Xcrs[0].Value = uint64(val)
		if err := setXcrs(p.fd, &x); err != nil {
			return fmt.Errorf("%w: KVM_SET_XCRS: %v", vm.ErrFailed, err)
		}
	}

	if g.msrs {
		var entries []kvmMsrEntry
		for reg, val := range in {
			v, ok := val.(vm.Register64)
			if !ok {
				continue
			}
			switch reg {
			case vm.RegisterTSC:
				entries = append(entries, kvmMsrEntry{Index: msrIA32TSC, Data: uint64(v)})
			case vm.RegisterKernelGSBase:
				entries = append(entries, kvmMsrEntry{Index: msrKernelGsBase, Data: uint64(v)})
			}
		}
		if err := setMSRs(p.fd, entries); err != nil {
			return fmt.Errorf("%w: KVM_SET_MSRS: %v", vm.ErrFailed, err)
		}
	}

	return nil
}

func readGPRegister(r *kvmRegs, reg vm.Register) (vm.RegisterValue, bool) {
	switch reg {
	case vm.RegisterRAX:
		return vm.Register64(r.Rax), true
	case vm.RegisterRBX:
		return vm.Register64(r.Rbx), true
	case vm.RegisterRCX:
		return vm.Register64(r.Rcx), true
	case vm.RegisterRDX:
		return vm.Register64(r.Rdx), true
	case vm.RegisterRSI:
		return vm.Register64(r.Rsi), true
	case vm.RegisterRDI:
		return vm.Register64(r.Rdi), true
	case vm.RegisterRSP:
		return vm.Register64(r.Rsp), true
	case vm.RegisterRBP:
		return vm.Register64(r.Rbp), true
	case vm.RegisterR8:
		return vm.Register64(r.R8), true
	case vm.RegisterR9:
		return vm.Register64(r.R9), true
	case vm.RegisterR10:
		return vm.Register64(r.R10), true
	case vm.RegisterR11:
		return vm.Register64(r.R11), true
	case vm.RegisterR12:
		return vm.Register64(r.R12), true
	case vm.RegisterR13:
		return vm.Register64(r.R13), true
	case vm.RegisterR14:
		return vm.Register64(r.R14), true
	case vm.RegisterR15:
		return vm.Register64(r.R15), true
	case vm.RegisterRIP:
		return vm.Register64(r.Rip), true
	case vm.RegisterRFLAGS:
		return vm.Register64(r.Rflags), true
	default:
		return nil, false
	}
}

func writeGPRegister(r *kvmRegs, reg vm.Register, val vm.RegisterValue) error {
	if reg < vm.RegisterRAX || reg > vm.RegisterRFLAGS {
		return nil
	}
	v, ok := val.(vm.Register64)
	if !ok {
		return fmt.Errorf("%w: register %d requires a 64-bit value", vm.ErrInvalidState, reg)
	}
	u := uint64(v)
	switch reg {
	case vm.RegisterRAX:
		r.Rax = u
	case vm.RegisterRBX:
		r.Rbx = u
	case vm.RegisterRCX:
		r.Rcx = u
	case vm.RegisterRDX:
		r.Rdx = u
	case vm.RegisterRSI:
		r.Rsi = u
	case vm.RegisterRDI:
		r.Rdi = u
	case vm.RegisterRSP:
		r.Rsp = u
	case vm.RegisterRBP:
		r.Rbp = u
	case vm.RegisterR8:
		r.R8 = u
	case vm.RegisterR9:
		r.R9 = u
	case vm.RegisterR10:
		r.R10 = u
	case vm.RegisterR11:
		r.R11 = u
	case vm.RegisterR12:
		r.R12 = u
	case vm.RegisterR13:
		r.R13 = u
	case vm.RegisterR14:
		r.R14 = u
	case vm.RegisterR15:
		r.R15 = u
	case vm.RegisterRIP:
		r.Rip = u
	case vm.RegisterRFLAGS:
		r.Rflags = u
	}
	return nil
}

func writeSpecialRegister(s *kvmSRegs, reg vm.Register, val vm.RegisterValue) error {
	switch reg {
	case vm.RegisterCS, vm.RegisterDS, vm.RegisterES, vm.RegisterFS,
		vm.RegisterGS, vm.RegisterSS, vm.RegisterTR, vm.RegisterLDTR:
		v, ok := val.(vm.SegmentValue)
		if !ok {
			return fmt.Errorf("%w: register %d requires a segment value", vm.ErrInvalidState, reg)
		}
		seg := segmentToKVM(v)
		switch reg {
		case vm.RegisterCS:
			s.Cs = seg
		case vm.RegisterDS:
			s.Ds = seg
		case vm.RegisterES:
			s.Es = seg
		case vm.RegisterFS:
			s.Fs = seg
		case vm.RegisterGS:
			s.Gs = seg
		case vm.RegisterSS:
			s.Ss = seg
		case vm.RegisterTR:
			s.Tr = seg
		case vm.RegisterLDTR:
			s.Ldt = seg
		}
	case vm.RegisterGDTR, vm.RegisterIDTR:
		v, ok := val.(vm.TableValue)
		if !ok {
			return fmt.Errorf("%w: register %d requires a table value", vm.ErrInvalidState, reg)
		}
		if reg == vm.RegisterGDTR {
			s.Gdt = kvmDTable{Base: v.Base, Limit: v.Limit}
		} else {
			s.Idt = kvmDTable{Base: v.Base, Limit: v.Limit}
		}
	case vm.RegisterCR0, vm.RegisterCR2, vm.RegisterCR3, vm.RegisterCR4,
		vm.RegisterCR8, vm.RegisterEFER:
		v, ok := val.(vm.Register64)
		if !ok {
			return fmt.Errorf("%w: register %d requires a 64-bit value", vm.ErrInvalidState, reg)
		}
		u := uint64(v)
		switch reg {
		case vm.RegisterCR0:
			s.Cr0 = u
		case vm.RegisterCR2:
			s.Cr2 = u
		case vm.RegisterCR3:
			s.Cr3 = u
		case vm.RegisterCR4:
			s.Cr4 = u
		case vm.RegisterCR8:
			s.Cr8 = u
		case vm.RegisterEFER:
			s.Efer = u
		}
	}
	return nil
}

func writeFPURegister(f *kvmFPU, reg vm.Register, val vm.RegisterValue) error {
	switch {
	case reg == vm.RegisterFPControl:
		v, ok := val.(vm.Register64)
		if !ok {
			return fmt.Errorf("%w: FP control requires a 64-bit value", vm.ErrInvalidState)
		}
		f.Fcw = uint16(v)
	case reg == vm.RegisterFPStatus:
		v, ok := val.(vm.Register64)
		if !ok {
			return fmt.Errorf("%w: FP status requires a 64-bit value", vm.ErrInvalidState)
		}
		f.Fsw = uint16(v)
	case reg == vm.RegisterMXCSR:
		v, ok := val.(vm.Register64)
		if !ok {
			return fmt.Errorf("%w: MXCSR requires a 64-bit value", vm.ErrInvalidState)
		}
		f.Mxcsr = uint32(v)
	case reg >= vm.RegisterXMM0 && reg <= vm.RegisterXMM15:
		v, ok := val.(vm.Register128)
		if !ok {
			return fmt.Errorf("%w: register %d requires a 128-bit value", vm.ErrInvalidState, reg)
		}
		i := int(reg - vm.RegisterXMM0)
		binary.LittleEndian.PutUint64(f.Xmm[i][0:8], v.Low)
		binary.LittleEndian.PutUint64(f.Xmm[i][8:16], v.High)
	}
	return nil
}
