//go:build darwin && arm64

package hvf

import (
	"context"
	"fmt"
	"runtime"

	"github.com/virtm/virtm/internal/vm"
)

var arm64RegisterMap = func() map[vm.Register]hvReg {
	regs := make(map[vm.Register]hvReg, 33)
	for i := 0; i <= 30; i++ {
		regs[vm.Register(int(vm.RegisterX0)+i)] = hvRegX0 + hvReg(i)
	}
	regs[vm.RegisterPC] = hvRegPc
	regs[vm.RegisterPSTATE] = hvRegCpsr
	return regs
}()

// processor owns a dedicated OS thread. The framework requires every vCPU
// call except hv_vcpus_exit to come from the thread that created the vCPU,
// so all operations are marshalled through the ops channel.
type processor struct {
	id   uint64
	exit *hvVcpuExit
	ops  chan func()
}

func newProcessor(id int) (vm.Processor, error) {
	p := &processor{
		ops: make(chan func(), 16),
	}

	initErr := make(chan error, 1)
	go p.start(initErr)

	if err := <-initErr; err != nil {
		return nil, fmt.Errorf("%w: create vCPU %d: %v", vm.ErrResource, id, err)
	}
	return p, nil
}

func (p *processor) start(initErr chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var id uint64
	exit := new(hvVcpuExit)
	if err := hvVcpuCreate(&id, &exit, hvVcpuConfigCreate()); err != hvSuccess {
		initErr <- err
		return
	}

	p.id = id
	p.exit = exit
	initErr <- nil

	for fn := range p.ops {
		fn()
	}

	hvVcpuDestroy(id)
}

// call runs fn on the vCPU thread and waits for it.
func (p *processor) call(fn func() error) error {
	errCh := make(chan error, 1)
	p.ops <- func() { errCh <- fn() }
	return <-errCh
}

func (p *processor) Run(ctx context.Context) (*vm.ExitInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if done := ctx.Done(); done != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = p.CancelRun()
		})
		defer stop()
	}

	var info *vm.ExitInfo
	err := p.call(func() error {
		if err := hvVcpuRun(p.id); err != hvSuccess {
			return fmt.Errorf("%w: hv_vcpu_run vCPU %d: %v", vm.ErrFailed, p.id, err)
		}
		info = p.translateExit()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// CancelRun is the one vCPU call the framework allows from any thread.
func (p *processor) CancelRun() error {
	vcpus := []uint64{p.id}
	if err := hvVcpusExit(&vcpus[0], 1); err != hvSuccess {
		return fmt.Errorf("%w: hv_vcpus_exit: %v", vm.ErrFailed, err)
	}
	return nil
}

// ARM64 exception class field of ESR_ELx.
const (
	exceptionClassShift = 26
	exceptionClassMask  = 0x3F

	exceptionClassWfx              = 0x01
	exceptionClassHvc              = 0x16
	exceptionClassSmc              = 0x17
	exceptionClassDataAbortLowerEL = 0x24
)

// Data abort write-not-read bit of the ISS field.
const dataAbortWnR = 1 << 6

func (p *processor) translateExit() *vm.ExitInfo {
	info := &vm.ExitInfo{
		Reason:  vm.ExitUnknown,
		RawCode: uint64(p.exit.Reason),
	}

	switch p.exit.Reason {
	case hvExitReasonCanceled:
		info.Reason = vm.ExitCancelled

	case hvExitReasonVTimerActivated:
		info.Reason = vm.ExitNormal

	case hvExitReasonException:
		syndrome := p.exit.Exception.Syndrome
		info.RawCode = syndrome

		switch (syndrome >> exceptionClassShift) & exceptionClassMask {
		case exceptionClassWfx:
			info.Reason = vm.ExitHalt
		case exceptionClassHvc, exceptionClassSmc:
			info.Reason = vm.ExitHypercall
			hc := &vm.HypercallExit{}
			for i, target := range []*uint64{&hc.RAX, &hc.RBX, &hc.RCX, &hc.RDX} {
				var value uint64
				if err := hvVcpuGetReg(p.id, hvRegX0+hvReg(i), &value); err == hvSuccess {
					*target = value
				}
			}
			info.Hypercall = hc
		case exceptionClassDataAbortLowerEL:
			info.Reason = vm.ExitMemory
			access := vm.MemoryAccessRead
			if syndrome&dataAbortWnR != 0 {
				access = vm.MemoryAccessWrite
			}
			info.Memory = &vm.MemoryExit{
				GPA:      p.exit.Exception.PhysicalAddress,
				GVA:      p.exit.Exception.VirtualAddress,
				GPAValid: true,
				Access:   access,
			}
		}

		var pc uint64
		if err := hvVcpuGetReg(p.id, hvRegPc, &pc); err == hvSuccess {
			info.RIP = pc
			info.RIPValid = true
		}
	}

	return info
}

func (p *processor) Registers(out map[vm.Register]vm.RegisterValue) error {
	return p.call(func() error {
		for reg := range out {
			if hr, ok := arm64RegisterMap[reg]; ok {
				var value uint64
				if err := hvVcpuGetReg(p.id, hr, &value); err != hvSuccess {
					return fmt.Errorf("%w: hv_vcpu_get_reg: %v", vm.ErrFailed, err)
				}
				out[reg] = vm.Register64(value)
				continue
			}
			if reg == vm.RegisterSP {
				var value uint64
				if err := hvVcpuGetSys(p.id, hvSysRegSpEl1, &value); err != hvSuccess {
					return fmt.Errorf("%w: hv_vcpu_get_sys_reg: %v", vm.ErrFailed, err)
				}
				out[reg] = vm.Register64(value)
				continue
			}
			return fmt.Errorf("%w: register %d has no HVF translation", vm.ErrUnsupported, reg)
		}
		return nil
	})
}

func (p *processor) SetRegisters(in map[vm.Register]vm.RegisterValue) error {
	return p.call(func() error {
		for reg, val := range in {
			value, ok := val.(vm.Register64)
			if !ok {
				return fmt.Errorf("%w: register %d requires a 64-bit value", vm.ErrInvalidState, reg)
			}
			if hr, ok := arm64RegisterMap[reg]; ok {
				if err := hvVcpuSetReg(p.id, hr, uint64(value)); err != hvSuccess {
					return fmt.Errorf("%w: hv_vcpu_set_reg: %v", vm.ErrFailed, err)
				}
				continue
			}
			if reg == vm.RegisterSP {
				if err := hvVcpuSetSys(p.id, hvSysRegSpEl1, uint64(value)); err != hvSuccess {
					return fmt.Errorf("%w: hv_vcpu_set_sys_reg: %v", vm.ErrFailed, err)
				}
				continue
			}
			return fmt.Errorf("%w: register %d has no HVF translation", vm.ErrUnsupported, reg)
		}
		return nil
	})
}

func (p *processor) Interrupt(event vm.InterruptEvent) error {
	var typ hvInterruptType
	switch event.Kind {
	case vm.InterruptFixed:
		typ = hvInterruptTypeIRQ
	case vm.InterruptNMI:
		typ = hvInterruptTypeFIQ
	default:
		return fmt.Errorf("%w: interrupt kind %d", vm.ErrUnsupported, event.Kind)
	}

	return p.call(func() error {
		if err := hvVcpuSetPendingIntr(p.id, typ, true); err != hvSuccess {
			return fmt.Errorf("%w: hv_vcpu_set_pending_interrupt: %v", vm.ErrFailed, err)
		}
		return nil
	})
}

func (p *processor) Exception(event vm.ExceptionEvent) error {
	return fmt.Errorf("%w: exception injection", vm.ErrUnsupported)
}

func (p *processor) Close() error {
	if p.ops != nil {
		close(p.ops)
		p.ops = nil
	}
	return nil
}
