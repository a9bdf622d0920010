package vm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/stub"
)

func TestRegistersRoundTrip(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}

	in := map[vm.Register]vm.RegisterValue{
		vm.RegisterRIP: vm.Register64(0x7C00),
		vm.RegisterRAX: vm.Register64(0xAA55),
		vm.RegisterCS: vm.SegmentValue{
			Base:       0,
			Limit:      0xFFFF,
			Selector:   0x0008,
			Attributes: 0x9B,
		},
		vm.RegisterXMM0: vm.Register128{Low: 1, High: 2},
	}
	if err := proc.SetRegisters(in); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	out := map[vm.Register]vm.RegisterValue{
		vm.RegisterRIP:  vm.Register64(0),
		vm.RegisterRAX:  vm.Register64(0),
		vm.RegisterCS:   vm.SegmentValue{},
		vm.RegisterXMM0: vm.Register128{},
	}
	if err := proc.Registers(out); err != nil {
		t.Fatalf("Registers: %v", err)
	}

	if out[vm.RegisterRIP] != vm.Register64(0x7C00) {
		t.Fatalf("RIP = %#v, want 0x7C00", out[vm.RegisterRIP])
	}
	if out[vm.RegisterRAX] != vm.Register64(0xAA55) {
		t.Fatalf("RAX = %#v, want 0xAA55", out[vm.RegisterRAX])
	}
	if cs := out[vm.RegisterCS].(vm.SegmentValue); cs.Selector != 0x0008 {
		t.Fatalf("CS selector = 0x%x, want 0x8", cs.Selector)
	}
	if xmm := out[vm.RegisterXMM0].(vm.Register128); xmm.Low != 1 || xmm.High != 2 {
		t.Fatalf("XMM0 = %#v", xmm)
	}
}

func TestSetRegistersWhileRunning(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.LastPartition().Proc(0).RunHook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := proc.Run(context.Background())
		done <- err
	}()

	<-entered
	err = proc.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterRAX: vm.Register64(1),
	})
	if !errors.Is(err, vm.ErrInvalidState) {
		t.Fatalf("SetRegisters while running error = %v, want ErrInvalidState", err)
	}
	if err := proc.Registers(map[vm.Register]vm.RegisterValue{
		vm.RegisterRAX: vm.Register64(0),
	}); !errors.Is(err, vm.ErrInvalidState) {
		t.Fatalf("Registers while running error = %v, want ErrInvalidState", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Back to idle, register access works again.
	if err := proc.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterRAX: vm.Register64(1),
	}); err != nil {
		t.Fatalf("SetRegisters after run: %v", err)
	}
}

func TestRunReturnsScriptedExits(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}
	native := backend.LastPartition().Proc(0)

	native.ScriptExit(&vm.ExitInfo{
		Reason: vm.ExitIO,
		IO:     &vm.IOExit{Port: 0x3F8, Write: true, AccessSize: 1, Data: 'A'},
	})
	native.ScriptExit(&vm.ExitInfo{Reason: vm.ExitHalt})

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitIO {
		t.Fatalf("first exit = %s, want io", exit.Reason)
	}
	if exit.IO == nil || exit.IO.Port != 0x3F8 || !exit.IO.Write {
		t.Fatalf("IO payload = %#v", exit.IO)
	}

	exit, err = proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitHalt {
		t.Fatalf("second exit = %s, want halt", exit.Reason)
	}
}

func TestUnknownExitCarriesRawCode(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}
	backend.LastPartition().Proc(0).ScriptExit(&vm.ExitInfo{
		Reason:  vm.ExitUnknown,
		RawCode: 0xDEAD_BEEF,
	})

	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitUnknown {
		t.Fatalf("exit = %s, want unknown", exit.Reason)
	}
	if exit.RawCode != 0xDEAD_BEEF {
		t.Fatalf("raw code = 0x%x, want 0xDEADBEEF", exit.RawCode)
	}
}

func TestInjectionAppliedBeforeNextRun(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}
	native := backend.LastPartition().Proc(0)

	if err := proc.InjectInterrupt(vm.InterruptEvent{Vector: 32}); err != nil {
		t.Fatalf("InjectInterrupt: %v", err)
	}
	if err := proc.InjectException(vm.ExceptionEvent{
		Vector:       14,
		ErrorCode:    0x2,
		HasErrorCode: true,
		Parameter:    0xCAFE000,
	}); err != nil {
		t.Fatalf("InjectException: %v", err)
	}

	if got := len(native.Injected()); got != 0 {
		t.Fatalf("%d events applied before Run, want 0", got)
	}

	if _, err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	injected := native.Injected()
	if len(injected) != 2 {
		t.Fatalf("injected = %d events, want 2", len(injected))
	}
	irq, ok := injected[0].(vm.InterruptEvent)
	if !ok || irq.Vector != 32 {
		t.Fatalf("injected[0] = %#v, want interrupt vector 32", injected[0])
	}
	exc, ok := injected[1].(vm.ExceptionEvent)
	if !ok || exc.Vector != 14 || !exc.HasErrorCode {
		t.Fatalf("injected[1] = %#v, want page fault exception", injected[1])
	}
}

func TestCancelRunUnblocksProcessor(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}

	if err := proc.CancelRun(); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	exit, err := proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != vm.ExitCancelled {
		t.Fatalf("exit = %s, want cancelled", exit.Reason)
	}
}

func TestRunRespectsContext(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	if _, err := proc.Run(ctx); err == nil {
		t.Fatalf("Run with expired context succeeded")
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	backend := stub.New()
	machine := newTestVM(t, backend, testSpec())

	proc, err := machine.Processor(0)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.LastPartition().Proc(0).RunHook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := proc.Run(context.Background())
		done <- err
	}()

	<-entered
	if _, err := proc.Run(context.Background()); !errors.Is(err, vm.ErrInvalidState) {
		t.Fatalf("second Run error = %v, want ErrInvalidState", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
