//go:build ignore

// This file demonstrates every public API in the virtm package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	virtm "github.com/virtm/virtm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// Platform discovery
	// =========================================================================

	// Kinds lists the backends this build carries. A linux/amd64 build
	// carries kvm, windows/amd64 carries whpx, darwin/arm64 carries hvf.
	for _, kind := range virtm.Kinds() {
		fmt.Println("backend:", kind)
	}

	// Native probes the host's hypervisor once and caches the result.
	platform, err := virtm.Native()
	if err != nil {
		if errors.Is(err, virtm.ErrUnavailable) {
			fmt.Println("no native hypervisor on this platform")
			return nil
		}
		return err
	}

	// A platform always comes back; its Status says whether the host can
	// actually run guests.
	if !platform.Status().Usable() {
		fmt.Println("hypervisor not usable:", platform.ProbeError())
		return nil
	}

	// Lookup fetches a specific backend by kind; it returns the same
	// probed instance Native handed out.
	if _, err := virtm.Lookup(virtm.KindKVM); err != nil {
		fmt.Println("kvm not in this build:", err)
	}

	// Usable filters to the platforms that probed OK.
	for _, p := range virtm.Usable() {
		fmt.Println("usable:", p.Kind())
	}

	// =========================================================================
	// Probed capabilities
	// =========================================================================

	fmt.Println("kind:", platform.Kind())
	fmt.Println("version:", platform.Version())

	features := platform.Features()
	fmt.Println("max processors per VM:", features.MaxProcessorsPerVM)
	fmt.Println("guest physical bits:", features.GuestPhysicalAddress.MaxBits)
	fmt.Println("dirty page tracking:", features.DirtyPageTracking)
	fmt.Println("unrestricted guest:", features.UnrestrictedGuest)

	// Version comparisons use the usual ordering.
	old := virtm.VersionInfo{Major: 1}
	fmt.Println("at least 1.0:", platform.Version().AtLeast(old))

	// =========================================================================
	// Specifications
	// =========================================================================

	spec := virtm.Specifications{
		Processors: 1,
		MemorySize: 16 * virtm.PageSize,

		// CPUID overrides apply when the platform advertises CustomCPUIDs.
		CPUIDResults: []virtm.CPUIDResult{
			{Function: 0x40000000, EBX: 0x74726976, ECX: 0x6d},
		},
	}

	// Specifications can also be loaded from YAML.
	if fromFile, err := virtm.LoadSpecifications("vm.yaml"); err == nil {
		spec = fromFile
	}

	// Validate runs automatically inside CreateVM; calling it directly is
	// useful to report problems before committing native resources.
	if err := spec.Validate(features); err != nil {
		return fmt.Errorf("specification: %w", err)
	}

	// =========================================================================
	// Virtual machines and memory
	// =========================================================================

	machine, err := platform.CreateVM(spec)
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer machine.Close()

	// The specification's memory is already mapped at MemoryBase. More
	// regions can be mapped by hand.
	backing, err := machine.AllocateMemory(4 * virtm.PageSize)
	if err != nil {
		return err
	}
	if err := machine.MapMemory(0x100000, backing, virtm.PermRead|virtm.PermWrite|virtm.PermExecute); err != nil {
		backing.Close()
		return err
	}

	// Host-side access to guest physical memory goes through io.ReaderAt
	// and io.WriterAt shaped methods.
	code := []byte{0xf4} // hlt
	if _, err := machine.WriteAt(code, 0x100000); err != nil {
		return err
	}

	// MemoryRegions snapshots the current guest physical layout.
	for _, region := range machine.MemoryRegions() {
		fmt.Printf("region %#x+%#x %s\n", region.GPA, region.Size, region.Perms)
	}

	// Dirty page tracking needs PermDirtyTrack on the mapping and the
	// DirtyPageTracking feature.
	if features.DirtyPageTracking {
		bitmap, err := machine.QueryDirtyPages(0x100000, 4*virtm.PageSize)
		if err != nil && !errors.Is(err, virtm.ErrUnsupported) {
			return err
		}
		_ = bitmap
	}

	// Unmapping frees the guest range; the backing allocation stays alive
	// until its own Close.
	if err := machine.UnmapMemory(0x100000, 4*virtm.PageSize); err != nil {
		return err
	}
	if err := machine.MapMemory(0x100000, backing, virtm.PermRead|virtm.PermWrite|virtm.PermExecute); err != nil {
		return err
	}

	// =========================================================================
	// Processors and registers
	// =========================================================================

	proc, err := machine.Processor(0)
	if err != nil {
		return err
	}
	fmt.Println("processor:", proc.ID(), "of", machine.ProcessorCount())

	// Registers fills in the values for the requested keys.
	regs := map[virtm.Register]virtm.RegisterValue{
		virtm.RegisterRIP:    nil,
		virtm.RegisterRFLAGS: nil,
		virtm.RegisterCS:     nil,
	}
	if err := proc.Registers(regs); err != nil {
		return err
	}

	// Values are typed by register shape.
	rip := regs[virtm.RegisterRIP].(virtm.Register64)
	cs := regs[virtm.RegisterCS].(virtm.SegmentValue)
	fmt.Printf("rip=%#x cs=%#x\n", uint64(rip), cs.Selector)

	if err := proc.SetRegisters(map[virtm.Register]virtm.RegisterValue{
		virtm.RegisterRIP: virtm.Register64(0x100000),
		virtm.RegisterCS: virtm.SegmentValue{
			Base: 0, Limit: 0xffffffff, Selector: 0x8, Attributes: 0xc09b,
		},
		virtm.RegisterGDTR: virtm.TableValue{Base: 0x1000, Limit: 0x17},
		virtm.RegisterXMM0: virtm.Register128{Low: 1, High: 2},
	}); err != nil {
		return err
	}

	// =========================================================================
	// Running and VM exits
	// =========================================================================

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		exit, err := proc.Run(ctx)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		switch exit.Reason {
		case virtm.ExitHalt:
			fmt.Println("guest halted")
			return nil
		case virtm.ExitIO:
			fmt.Printf("io port %#x write=%v\n", exit.IO.Port, exit.IO.Write)
		case virtm.ExitMemory:
			fmt.Printf("memory fault gpa=%#x\n", exit.Memory.GPA)
			return nil
		case virtm.ExitMSRAccess:
			fmt.Printf("msr %#x\n", exit.MSR.MSR)
		case virtm.ExitCancelled:
			fmt.Println("run cancelled")
			return nil
		case virtm.ExitShutdown:
			fmt.Println("guest shut down")
			return nil
		case virtm.ExitNormal, virtm.ExitInterruptWindow:
			// Nothing to handle; resume.
		default:
			return fmt.Errorf("unhandled exit %s (raw %#x)", exit.Reason, exit.RawCode)
		}
	}
}

// interrupts demonstrates event injection; both calls defer until the next
// Run when the processor is mid-run.
func interrupts(proc *virtm.VirtualProcessor) error {
	if err := proc.InjectInterrupt(virtm.InterruptEvent{
		Kind:   virtm.InterruptFixed,
		Vector: 0x30,
	}); err != nil {
		return err
	}
	return proc.InjectException(virtm.ExceptionEvent{
		Vector:       14, // page fault
		ErrorCode:    0x2,
		HasErrorCode: true,
		Parameter:    0xdeadbeef,
	})
}

// cancel demonstrates kicking a processor out of Run from another
// goroutine; CancelRun is the one processor operation that is safe to call
// concurrently with Run.
func cancel(proc *virtm.VirtualProcessor) {
	go func() {
		time.Sleep(time.Second)
		_ = proc.CancelRun()
	}()
}
