//go:build windows && amd64

package whpx

import (
	"context"
	"fmt"
	"runtime"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/whpx/bindings"
)

type processor struct {
	part *partition
	id   uint32
}

// Run executes the processor until the next exit. The calling goroutine is
// pinned to its OS thread for the duration because WHvRunVirtualProcessor
// and WHvCancelRunVirtualProcessor address the run by thread. A context
// cancellation is turned into a native cancel, which surfaces as an
// ExitCancelled record rather than an error.
func (p *processor) Run(ctx context.Context) (*vm.ExitInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			bindings.CancelRunVirtualProcessor(p.part.handle, p.id, 0)
		case <-done:
		}
	}()
	// The watcher must be drained before returning so a late cancel can
	// never hit a subsequent run.
	defer func() {
		close(done)
		<-stopped
	}()

	var exit bindings.RunVPExitContext
	err := bindings.RunVirtualProcessor(p.part.handle, p.id, &exit)
	if err != nil {
		return nil, fmt.Errorf("%w: WHvRunVirtualProcessor: %v", vm.ErrFailed, err)
	}

	return translateExit(&exit), nil
}

func (p *processor) CancelRun() error {
	if err := bindings.CancelRunVirtualProcessor(p.part.handle, p.id, 0); err != nil {
		return fmt.Errorf("%w: WHvCancelRunVirtualProcessor: %v", vm.ErrFailed, err)
	}
	return nil
}

func (p *processor) Registers(regs map[vm.Register]vm.RegisterValue) error {
	names := make([]bindings.RegisterName, 0, len(regs))
	order := make([]vm.Register, 0, len(regs))
	for reg := range regs {
		name, ok := registerNames[reg]
		if !ok {
			return fmt.Errorf("%w: register %d has no WHPX encoding", vm.ErrUnsupported, reg)
		}
		names = append(names, name)
		order = append(order, reg)
	}

	values := make([]bindings.RegisterValue, len(names))
	if err := bindings.GetVirtualProcessorRegisters(p.part.handle, p.id, names, values); err != nil {
		return fmt.Errorf("%w: WHvGetVirtualProcessorRegisters: %v", vm.ErrFailed, err)
	}

	for i, reg := range order {
		regs[reg] = decodeRegister(reg, &values[i])
	}
	return nil
}

func (p *processor) SetRegisters(regs map[vm.Register]vm.RegisterValue) error {
	names := make([]bindings.RegisterName, 0, len(regs))
	values := make([]bindings.RegisterValue, 0, len(regs))
	for reg, val := range regs {
		name, ok := registerNames[reg]
		if !ok {
			return fmt.Errorf("%w: register %d has no WHPX encoding", vm.ErrUnsupported, reg)
		}
		native, err := encodeRegister(reg, val)
		if err != nil {
			return err
		}
		names = append(names, name)
		values = append(values, native)
	}

	if err := bindings.SetVirtualProcessorRegisters(p.part.handle, p.id, names, values); err != nil {
		return fmt.Errorf("%w: WHvSetVirtualProcessorRegisters: %v", vm.ErrFailed, err)
	}
	return nil
}

// Interrupt delivers an interrupt through WHvRequestInterrupt addressed at
// this processor's APIC.
func (p *processor) Interrupt(event vm.InterruptEvent) error {
	var intType bindings.InterruptType
	switch event.Kind {
	case vm.InterruptFixed:
		intType = bindings.InterruptTypeFixed
	case vm.InterruptNMI:
		intType = bindings.InterruptTypeNmi
	case vm.InterruptInit:
		intType = bindings.InterruptTypeInit
	case vm.InterruptSIPI:
		intType = bindings.InterruptTypeSipi
	default:
		return fmt.Errorf("%w: interrupt kind %d cannot be requested on WHPX", vm.ErrUnsupported, event.Kind)
	}

	trigger := bindings.InterruptTriggerEdge
	if event.Level {
		trigger = bindings.InterruptTriggerLevel
	}

	control := bindings.InterruptControl{
		Control: uint64(bindings.MakeInterruptControlKind(
			intType,
			bindings.InterruptDestinationPhysical,
			trigger,
		)),
		Destination: p.id,
		Vector:      event.Vector,
	}
	if err := bindings.RequestInterrupt(p.part.handle, &control); err != nil {
		return fmt.Errorf("%w: WHvRequestInterrupt: %v", vm.ErrFailed, err)
	}
	return nil
}

// Exception arms the pending event register so the exception is delivered
// on the next entry.
func (p *processor) Exception(event vm.ExceptionEvent) error {
	value := bindings.PendingExceptionEvent(
		uint16(event.Vector),
		event.ErrorCode,
		event.HasErrorCode,
		event.Parameter,
	)
	names := []bindings.RegisterName{bindings.RegisterPendingEvent}
	values := []bindings.RegisterValue{value}
	if err := bindings.SetVirtualProcessorRegisters(p.part.handle, p.id, names, values); err != nil {
		return fmt.Errorf("%w: arm pending exception: %v", vm.ErrFailed, err)
	}
	return nil
}

func (p *processor) Close() error {
	if err := bindings.DeleteVirtualProcessor(p.part.handle, p.id); err != nil {
		return fmt.Errorf("%w: WHvDeleteVirtualProcessor %d: %v", vm.ErrResource, p.id, err)
	}
	return nil
}
