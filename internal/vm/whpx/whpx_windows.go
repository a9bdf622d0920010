//go:build windows && amd64

// Package whpx adapts the Windows Hypervisor Platform to the shared
// virtual machine model.
package whpx

import (
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sys/windows"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/whpx/bindings"
)

// xsaveMinBuild is the first Windows build where the platform accepts
// XCR0 through WHvGet/SetVirtualProcessorRegisters.
var xsaveMinBuild = vm.VersionInfo{Major: 10, Minor: 0, Build: 17763}

type backend struct{}

// Open returns the WHPX backend. The dispatch table is not loaded until
// Probe runs.
func Open() (vm.Backend, error) {
	return &backend{}, nil
}

func (b *backend) Kind() vm.Kind { return vm.KindWHPX }

// Probe loads winhvplatform.dll and takes the capability snapshot. Query
// failures after the presence check degrade the report to StatusFailed
// but keep probing, so callers still see whatever the platform did
// answer.
func (b *backend) Probe() vm.ProbeReport {
	report := vm.ProbeReport{Status: vm.StatusUninitialized}

	if err := bindings.Load(); err != nil {
		report.Status = vm.StatusUnavailable
		report.Err = fmt.Errorf("%w: %v", vm.ErrUnavailable, err)
		return report
	}

	present, err := bindings.IsHypervisorPresent()
	if err != nil {
		report.Status = vm.StatusFailed
		report.Err = fmt.Errorf("%w: hypervisor presence query: %v", vm.ErrFailed, err)
		return report
	}
	if !present {
		report.Status = vm.StatusUnavailable
		report.Err = fmt.Errorf("%w: Windows Hypervisor Platform is not enabled", vm.ErrUnavailable)
		return report
	}

	report.Status = vm.StatusOK
	report.Version = hostVersion()
	report.Features = b.probeFeatures(report.Version, &report)
	return report
}

func hostVersion() vm.VersionInfo {
	major, minor, build := windows.RtlGetNtVersionNumbers()
	return vm.VersionInfo{
		Major: int(major),
		Minor: int(minor),
		Build: int(build),
	}
}

// failProbe records the first capability failure and downgrades the
// report without aborting the remaining queries.
func failProbe(report *vm.ProbeReport, what string, err error) {
	slog.Warn("whpx capability query failed", "capability", what, "error", err)
	if report.Err == nil {
		report.Err = fmt.Errorf("%w: query %s: %v", vm.ErrFailed, what, err)
	}
	report.Status = vm.StatusFailed
}

func (b *backend) probeFeatures(version vm.VersionInfo, report *vm.ProbeReport) vm.Features {
	f := vm.Features{
		MaxProcessorsPerVM:  runtime.NumCPU(),
		MaxProcessorsGlobal: runtime.NumCPU(),

		UnrestrictedGuest:  true,
		ExtendedPageTables: true,
		CustomCPUIDs:       true,
		MemoryAliasing:     true,
		MemoryUnmapping:    true,
	}

	caps, err := bindings.GetCapabilityUnsafe[bindings.CapabilityFeatures](bindings.CapabilityCodeFeatures)
	if err != nil {
		failProbe(report, "features", err)
	} else {
		f.PartialUnmapping = caps&bindings.CapabilityFeaturePartialUnmap != 0
		f.DirtyPageTracking = caps&bindings.CapabilityFeatureDirtyPageTracking != 0 && bindings.HasDirtyBitmap()
		f.PartialDirtyBitmap = f.DirtyPageTracking
		f.LargeMemoryAllocation = true
	}

	width, err := bindings.GetCapabilityUnsafe[uint32](bindings.CapabilityCodePhysicalAddressWidth)
	if err != nil {
		// Older hosts do not know this capability; fall back to the
		// architectural minimum for EPT-backed guests.
		if hr, ok := bindings.AsHRESULT(err); !ok || hr != bindings.HResultUnknownCapability {
			failProbe(report, "physical address width", err)
		}
		f.GuestPhysicalAddress = vm.GuestPhysicalAddressLimitsForBits(36)
	} else {
		f.GuestPhysicalAddress = vm.GuestPhysicalAddressLimitsForBits(uint8(width))
	}

	exits, err := bindings.GetCapabilityUnsafe[bindings.ExtendedVmExits](bindings.CapabilityCodeExtendedVmExits)
	if err != nil {
		failProbe(report, "extended VM exits", err)
	} else {
		f.ExtendedVMExits = translateExtendedExits(exits)
	}

	if f.ExtendedVMExits.Has(vm.ExtendedExitException) {
		bitmap, err := bindings.GetCapabilityUnsafe[uint64](bindings.CapabilityCodeExceptionExitBitmap)
		if err != nil {
			failProbe(report, "exception exit bitmap", err)
		} else {
			f.ExceptionExits = vm.ExceptionCode(bitmap)
		}
	}

	procs, err := bindings.GetCapabilityUnsafe[bindings.ProcessorFeatures](bindings.CapabilityCodeProcessorFeatures)
	if err != nil {
		failProbe(report, "processor features", err)
	} else {
		f.FloatingPointExtensions = translateFPExtensions(procs)
	}

	f.ExtendedControlRegisters = vm.ExtendedControlCR8 | vm.ExtendedControlMXCSRMask
	if version.AtLeast(xsaveMinBuild) {
		f.ExtendedControlRegisters |= vm.ExtendedControlXCR0
	}

	return f
}

func translateExtendedExits(exits bindings.ExtendedVmExits) vm.ExtendedVMExit {
	var out vm.ExtendedVMExit
	if exits&bindings.ExtendedVmExitX64Cpuid != 0 {
		out |= vm.ExtendedExitCPUID
	}
	if exits&bindings.ExtendedVmExitX64Msr != 0 {
		out |= vm.ExtendedExitMSRAccess
	}
	if exits&bindings.ExtendedVmExitException != 0 {
		out |= vm.ExtendedExitException
	}
	if exits&bindings.ExtendedVmExitX64Rdtsc != 0 {
		out |= vm.ExtendedExitTSCAccess
	}
	if exits&bindings.ExtendedVmExitX64ApicSmiTrap != 0 {
		out |= vm.ExtendedExitAPICSMI
	}
	if exits&bindings.ExtendedVmExitHypercall != 0 {
		out |= vm.ExtendedExitHypercall
	}
	return out
}

func translateFPExtensions(procs bindings.ProcessorFeatures) vm.FloatingPointExtension {
	// MMX, SSE and SSE2 are architectural on x86-64.
	out := vm.FloatingPointMMX | vm.FloatingPointSSE | vm.FloatingPointSSE2
	if procs&bindings.ProcessorFeatureSse3Support != 0 {
		out |= vm.FloatingPointSSE3
	}
	if procs&bindings.ProcessorFeatureSsse3Support != 0 {
		out |= vm.FloatingPointSSSE3
	}
	if procs&bindings.ProcessorFeatureSse41Support != 0 {
		out |= vm.FloatingPointSSE4_1
	}
	if procs&bindings.ProcessorFeatureSse42Support != 0 {
		out |= vm.FloatingPointSSE4_2
	}
	if procs&bindings.ProcessorFeatureF16CSupport != 0 {
		out |= vm.FloatingPointF16C
	}
	return out
}

// NewPartition creates and configures a native WHP partition. Every
// property is set before WHvSetupPartition; a failure at any step deletes
// the partition handle before returning.
func (b *backend) NewPartition(spec vm.Specifications) (vm.Partition, error) {
	handle, err := bindings.CreatePartition()
	if err != nil {
		return nil, fmt.Errorf("%w: WHvCreatePartition: %v", vm.ErrResource, err)
	}

	fail := func(step string, err error) (vm.Partition, error) {
		bindings.DeletePartition(handle)
		return nil, fmt.Errorf("%w: %s: %v", vm.ErrResource, step, err)
	}

	if err := bindings.SetPartitionPropertyUnsafe(
		handle,
		bindings.PartitionPropertyCodeProcessorCount,
		uint32(spec.Processors),
	); err != nil {
		return fail("set processor count", err)
	}

	if spec.ExtendedVMExits != 0 {
		if err := bindings.SetPartitionPropertyUnsafe(
			handle,
			bindings.PartitionPropertyCodeExtendedVmExits,
			translateExtendedExitsToNative(spec.ExtendedVMExits),
		); err != nil {
			return fail("set extended VM exits", err)
		}
	}

	if spec.ExceptionExits != 0 {
		if err := bindings.SetPartitionPropertyUnsafe(
			handle,
			bindings.PartitionPropertyCodeExceptionExitBitmap,
			uint64(spec.ExceptionExits),
		); err != nil {
			return fail("set exception exit bitmap", err)
		}
	}

	if len(spec.CPUIDResults) > 0 {
		results := make([]bindings.CpuidResult, len(spec.CPUIDResults))
		for i, r := range spec.CPUIDResults {
			results[i] = bindings.CpuidResult{
				Function: r.Function,
				Eax:      r.EAX,
				Ebx:      r.EBX,
				Ecx:      r.ECX,
				Edx:      r.EDX,
			}
		}
		if err := bindings.SetCpuidResultList(handle, results); err != nil {
			return fail("set CPUID result list", err)
		}
	}

	if err := bindings.SetupPartition(handle); err != nil {
		return fail("WHvSetupPartition", err)
	}

	slog.Debug("whpx partition configured",
		"processors", spec.Processors,
		"memorySize", spec.MemorySize,
		"extendedExits", uint32(spec.ExtendedVMExits))

	return &partition{handle: handle}, nil
}

func translateExtendedExitsToNative(exits vm.ExtendedVMExit) bindings.ExtendedVmExits {
	var out bindings.ExtendedVmExits
	if exits.Has(vm.ExtendedExitCPUID) {
		out |= bindings.ExtendedVmExitX64Cpuid
	}
	if exits.Has(vm.ExtendedExitMSRAccess) {
		out |= bindings.ExtendedVmExitX64Msr
	}
	if exits.Has(vm.ExtendedExitException) {
		out |= bindings.ExtendedVmExitException
	}
	if exits.Has(vm.ExtendedExitTSCAccess) {
		out |= bindings.ExtendedVmExitX64Rdtsc
	}
	if exits.Has(vm.ExtendedExitAPICSMI) {
		out |= bindings.ExtendedVmExitX64ApicSmiTrap
	}
	if exits.Has(vm.ExtendedExitHypercall) {
		out |= bindings.ExtendedVmExitHypercall
	}
	return out
}

// Close releases the dispatch table. The lazy DLL has no teardown call,
// so this only exists to satisfy the backend contract.
func (b *backend) Close() error { return nil }
