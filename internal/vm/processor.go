package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	vpIdle int32 = iota
	vpRunning
	vpClosed
)

// VirtualProcessor owns one virtual CPU context. It is driven by exactly
// one goroutine: Run, Registers and SetRegisters must all come from the
// owning goroutine. Injection methods may be called from other goroutines;
// they queue the event, which is applied immediately before the next Run.
type VirtualProcessor struct {
	vm   *VirtualMachine
	id   int
	proc Processor

	state atomic.Int32

	injectMu    sync.Mutex
	pendingIRQs []InterruptEvent
	pendingExcs []ExceptionEvent

	// Register cache, synchronized to and from the hypervisor on demand.
	// Stale immediately after every Run until refreshed.
	cache      map[Register]RegisterValue
	cacheStale bool
}

func newVirtualProcessor(machine *VirtualMachine, id int, proc Processor) *VirtualProcessor {
	return &VirtualProcessor{
		vm:    machine,
		id:    id,
		proc:  proc,
		cache: make(map[Register]RegisterValue),
	}
}

// ID returns the processor index within its VM.
func (v *VirtualProcessor) ID() int { return v.id }

// VM returns the owning virtual machine.
func (v *VirtualProcessor) VM() *VirtualMachine { return v.vm }

// Run resumes guest execution until the hypervisor reports an exit and
// returns the decoded exit record. Queued interrupt and exception
// injections are applied first. The register cache is stale after Run
// returns until the next Registers call.
func (v *VirtualProcessor) Run(ctx context.Context) (*ExitInfo, error) {
	if !v.state.CompareAndSwap(vpIdle, vpRunning) {
		return nil, fmt.Errorf("%w: processor %d is %s", ErrInvalidState, v.id, stateName(v.state.Load()))
	}
	defer v.state.CompareAndSwap(vpRunning, vpIdle)

	if err := v.applyPending(); err != nil {
		return nil, err
	}

	v.cacheStale = true

	exit, err := v.proc.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("run virtual processor %d: %w", v.id, err)
	}

	// Exit records that carry authoritative instruction pointer state
	// refresh that part of the cache for free.
	if exit.RIPValid {
		v.cache[RegisterRIP] = Register64(exit.RIP)
		v.cache[RegisterRFLAGS] = Register64(exit.RFLAGS)
	}

	return exit, nil
}

// CancelRun asks the backend to kick the processor out of an in-flight Run.
// It is the only operation safe to call concurrently with Run.
func (v *VirtualProcessor) CancelRun() error {
	if v.state.Load() == vpClosed {
		return fmt.Errorf("%w: processor %d is destroyed", ErrInvalidState, v.id)
	}
	return v.proc.CancelRun()
}

// Registers reads the named registers. The keys of regs select which
// registers to read; values are replaced in place. Fails with
// ErrInvalidState while the processor is running.
func (v *VirtualProcessor) Registers(regs map[Register]RegisterValue) error {
	if v.state.Load() != vpIdle {
		return fmt.Errorf("%w: processor %d is %s", ErrInvalidState, v.id, stateName(v.state.Load()))
	}

	if !v.cacheStale {
		missing := false
		for reg := range regs {
			cached, ok := v.cache[reg]
			if !ok {
				missing = true
				break
			}
			regs[reg] = cached
		}
		if !missing {
			return nil
		}
	}

	if err := v.proc.Registers(regs); err != nil {
		return fmt.Errorf("get registers of processor %d: %w", v.id, err)
	}
	for reg, val := range regs {
		v.cache[reg] = val
	}
	v.cacheStale = false
	return nil
}

// SetRegisters writes the named registers. Fails with ErrInvalidState
// while the processor is running; the write is immediately visible to a
// subsequent Registers call.
func (v *VirtualProcessor) SetRegisters(regs map[Register]RegisterValue) error {
	if v.state.Load() != vpIdle {
		return fmt.Errorf("%w: processor %d is %s", ErrInvalidState, v.id, stateName(v.state.Load()))
	}
	if err := v.proc.SetRegisters(regs); err != nil {
		return fmt.Errorf("set registers of processor %d: %w", v.id, err)
	}
	for reg, val := range regs {
		v.cache[reg] = val
	}
	return nil
}

// InjectInterrupt queues an interrupt for the guest. Injection while the
// processor is running is deferred, not rejected: the event is applied
// before the next Run call.
func (v *VirtualProcessor) InjectInterrupt(event InterruptEvent) error {
	if v.state.Load() == vpClosed {
		return fmt.Errorf("%w: processor %d is destroyed", ErrInvalidState, v.id)
	}
	v.injectMu.Lock()
	v.pendingIRQs = append(v.pendingIRQs, event)
	v.injectMu.Unlock()
	return nil
}

// InjectException queues a CPU exception for the guest, with the same
// deferred semantics as InjectInterrupt.
func (v *VirtualProcessor) InjectException(event ExceptionEvent) error {
	if v.state.Load() == vpClosed {
		return fmt.Errorf("%w: processor %d is destroyed", ErrInvalidState, v.id)
	}
	v.injectMu.Lock()
	v.pendingExcs = append(v.pendingExcs, event)
	v.injectMu.Unlock()
	return nil
}

func (v *VirtualProcessor) applyPending() error {
	v.injectMu.Lock()
	irqs := v.pendingIRQs
	excs := v.pendingExcs
	v.pendingIRQs = nil
	v.pendingExcs = nil
	v.injectMu.Unlock()

	for _, event := range irqs {
		if err := v.proc.Interrupt(event); err != nil {
			return fmt.Errorf("inject interrupt vector %d: %w", event.Vector, err)
		}
	}
	for _, event := range excs {
		if err := v.proc.Exception(event); err != nil {
			return fmt.Errorf("inject exception vector %d: %w", event.Vector, err)
		}
	}
	return nil
}

func (v *VirtualProcessor) close() error {
	if v.state.Swap(vpClosed) == vpClosed {
		return nil
	}
	return v.proc.Close()
}

func stateName(state int32) string {
	switch state {
	case vpIdle:
		return "idle"
	case vpRunning:
		return "running"
	case vpClosed:
		return "destroyed"
	default:
		return "invalid"
	}
}
