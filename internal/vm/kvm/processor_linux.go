//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtm/virtm/internal/vm"
)

type processor struct {
	part *partition
	id   int
	fd   int
	run  []byte

	// Thread id of the goroutine currently inside KVM_RUN, zero when the
	// processor is idle. CancelRun signals it to force an exit.
	tid atomic.Int64
}

func (p *processor) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&p.run[0]))
}

func (p *processor) Run(ctx context.Context) (*vm.ExitInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	run := p.runData()
	run.immediate_exit = 0

	p.tid.Store(int64(unix.Gettid()))
	defer p.tid.Store(0)

	if done := ctx.Done(); done != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = p.CancelRun()
		})
		defer stop()
	}

	for {
		_, err := ioctl(uintptr(p.fd), kvmRun, 0)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if run.immediate_exit != 0 || ctx.Err() != nil {
				return &vm.ExitInfo{
					Reason:  vm.ExitCancelled,
					RawCode: uint64(kvmExitIntr),
				}, nil
			}
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%w: KVM_RUN vCPU %d: %v", vm.ErrFailed, p.id, err)
		}
		break
	}

	return p.translateExit(run), nil
}

func (p *processor) CancelRun() error {
	run := p.runData()
	run.immediate_exit = 1

	// Interrupt the vCPU thread so an in-guest run exits with EINTR. A
	// processor that is not running only has the flag set, which the next
	// Run clears.
	if tid := p.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
			return fmt.Errorf("%w: signal vCPU thread: %v", vm.ErrFailed, err)
		}
	}
	return nil
}

func (p *processor) Interrupt(event vm.InterruptEvent) error {
	switch event.Kind {
	case vm.InterruptFixed:
		if event.Level {
			return fmt.Errorf("%w: KVM only delivers edge-triggered interrupts without an in-kernel irqchip", vm.ErrUnsupported)
		}
		if err := injectInterrupt(p.fd, event.Vector); err != nil {
			return fmt.Errorf("%w: KVM_INTERRUPT: %v", vm.ErrFailed, err)
		}
		return nil
	case vm.InterruptNMI:
		if err := injectNMI(p.fd); err != nil {
			return fmt.Errorf("%w: KVM_NMI: %v", vm.ErrFailed, err)
		}
		return nil
	case vm.InterruptSMI:
		if err := injectSMI(p.fd); err != nil {
			return fmt.Errorf("%w: KVM_SMI: %v", vm.ErrFailed, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: interrupt kind %d", vm.ErrUnsupported, event.Kind)
	}
}

func (p *processor) Exception(event vm.ExceptionEvent) error {
	events, err := getVCPUEvents(p.fd)
	if err != nil {
		return fmt.Errorf("%w: KVM_GET_VCPU_EVENTS: %v", vm.ErrFailed, err)
	}

	events.Exception.Injected = 1
	events.Exception.Pending = 0
	events.Exception.Nr = event.Vector
	if event.HasErrorCode {
		events.Exception.HasErrorCode = 1
		events.Exception.ErrorCode = event.ErrorCode
	} else {
		events.Exception.HasErrorCode = 0
		events.Exception.ErrorCode = 0
	}

	if err := setVCPUEvents(p.fd, &events); err != nil {
		return fmt.Errorf("%w: KVM_SET_VCPU_EVENTS: %v", vm.ErrFailed, err)
	}

	// A page fault carries the faulting address in CR2.
	if event.Vector == 14 && event.Parameter != 0 {
		sregs, err := getSRegs(p.fd)
		if err != nil {
			return fmt.Errorf("%w: KVM_GET_SREGS: %v", vm.ErrFailed, err)
		}
		sregs.Cr2 = event.Parameter
		if err := setSRegs(p.fd, &sregs); err != nil {
			return fmt.Errorf("%w: KVM_SET_SREGS: %v", vm.ErrFailed, err)
		}
	}

	return nil
}

func (p *processor) Close() error {
	if p.run != nil {
		run := p.run
		p.run = nil
		if err := unix.Munmap(run); err != nil {
			return fmt.Errorf("munmap vCPU run structure: %w", err)
		}
	}
	if p.fd >= 0 {
		fd := p.fd
		p.fd = -1
		if err := unix.Close(fd); err != nil {
			return fmt.Errorf("close vCPU fd: %w", err)
		}
	}
	return nil
}
