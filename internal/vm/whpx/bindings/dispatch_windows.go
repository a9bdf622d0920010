//go:build windows && amd64

// Package bindings holds the raw Windows Hypervisor Platform surface the
// whpx backend calls into. Everything here mirrors WinHvPlatform.h; the
// translation to portable types lives one level up.
package bindings

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modWinHvPlatform = syscall.NewLazyDLL("winhvplatform.dll")

	// Platform Capabilities
	procWHvGetCapability = modWinHvPlatform.NewProc("WHvGetCapability")

	// Partition Management
	procWHvCreatePartition      = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition       = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition      = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvGetPartitionProperty = modWinHvPlatform.NewProc("WHvGetPartitionProperty")
	procWHvSetPartitionProperty = modWinHvPlatform.NewProc("WHvSetPartitionProperty")

	// Memory Management
	procWHvMapGpaRange              = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange            = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvQueryGpaRangeDirtyBitmap = modWinHvPlatform.NewProc("WHvQueryGpaRangeDirtyBitmap")

	// Virtual Processors
	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")

	// Interrupts
	procWHvRequestInterrupt = modWinHvPlatform.NewProc("WHvRequestInterrupt")
)

// requiredProcs is the full set of entry points the backend depends on.
// Load refuses the library if any of them is missing, so later calls
// never have to handle partial availability.
var requiredProcs = []*syscall.LazyProc{
	procWHvGetCapability,
	procWHvCreatePartition,
	procWHvSetupPartition,
	procWHvDeletePartition,
	procWHvGetPartitionProperty,
	procWHvSetPartitionProperty,
	procWHvMapGpaRange,
	procWHvUnmapGpaRange,
	procWHvCreateVirtualProcessor,
	procWHvDeleteVirtualProcessor,
	procWHvRunVirtualProcessor,
	procWHvCancelRunVirtualProcessor,
	procWHvGetVirtualProcessorRegisters,
	procWHvSetVirtualProcessorRegisters,
	procWHvRequestInterrupt,
}

// optionalProcs are resolved on demand. They are absent on older Windows
// builds and the backend degrades the corresponding feature instead of
// failing the load.
var optionalProcs = []*syscall.LazyProc{
	procWHvQueryGpaRangeDirtyBitmap,
}

// Load resolves winhvplatform.dll and every required entry point. It is
// safe to call more than once.
func Load() error {
	if err := modWinHvPlatform.Load(); err != nil {
		return fmt.Errorf("winhvplatform.dll not available: %w", err)
	}
	for _, proc := range requiredProcs {
		if err := proc.Find(); err != nil {
			return fmt.Errorf("missing entry point %s: %w", proc.Name, err)
		}
	}
	return nil
}

// HasDirtyBitmap reports whether WHvQueryGpaRangeDirtyBitmap resolved.
func HasDirtyBitmap() bool {
	return procWHvQueryGpaRangeDirtyBitmap.Find() == nil
}

func toHRESULT(r uintptr) HRESULT {
	return HRESULT(int32(r))
}

func callHRESULT(proc *syscall.LazyProc, args ...uintptr) (HRESULT, error) {
	r1, _, callErr := proc.Call(args...)
	if callErr != syscall.Errno(0) && r1 == 0 {
		return 0, callErr
	}
	hr := toHRESULT(r1)
	if err := hr.Err(); err != nil {
		return hr, err
	}
	return hr, nil
}

// GetCapability wraps WHvGetCapability.
func GetCapability(code CapabilityCode, buffer unsafe.Pointer, bufferSize uint32) (uint32, error) {
	var written uint32
	_, err := callHRESULT(procWHvGetCapability,
		uintptr(code),
		uintptr(buffer),
		uintptr(bufferSize),
		uintptr(unsafe.Pointer(&written)),
	)
	return written, err
}

func GetCapabilityUnsafe[T any](code CapabilityCode) (T, error) {
	var value T
	size := uint32(unsafe.Sizeof(value))
	_, err := callHRESULT(procWHvGetCapability,
		uintptr(code),
		uintptr(unsafe.Pointer(&value)),
		uintptr(size),
	)
	return value, err
}

// IsHypervisorPresent queries WHvCapabilityCodeHypervisorPresent.
func IsHypervisorPresent() (bool, error) {
	var present uint32 // BOOL
	written, err := GetCapability(
		CapabilityCodeHypervisorPresent,
		unsafe.Pointer(&present),
		uint32(unsafe.Sizeof(present)),
	)
	if err != nil {
		return false, fmt.Errorf("WHvGetCapability failed: %w", err)
	}
	if written < uint32(unsafe.Sizeof(present)) {
		return false, fmt.Errorf("expected at least %d bytes, got %d", unsafe.Sizeof(present), written)
	}
	return present != 0, nil
}

// CreatePartition wraps WHvCreatePartition.
func CreatePartition() (PartitionHandle, error) {
	var handle PartitionHandle
	_, err := callHRESULT(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

// SetupPartition wraps WHvSetupPartition.
func SetupPartition(partition PartitionHandle) error {
	_, err := callHRESULT(procWHvSetupPartition, uintptr(partition))
	return err
}

// DeletePartition wraps WHvDeletePartition.
func DeletePartition(partition PartitionHandle) error {
	_, err := callHRESULT(procWHvDeletePartition, uintptr(partition))
	return err
}

// GetPartitionProperty wraps WHvGetPartitionProperty.
func GetPartitionProperty(partition PartitionHandle, code PartitionPropertyCode, buffer unsafe.Pointer, bufferSize uint32) (uint32, error) {
	var written uint32
	_, err := callHRESULT(procWHvGetPartitionProperty,
		uintptr(partition),
		uintptr(code),
		uintptr(buffer),
		uintptr(bufferSize),
		uintptr(unsafe.Pointer(&written)),
	)
	return written, err
}

// SetPartitionProperty wraps WHvSetPartitionProperty.
func SetPartitionProperty(partition PartitionHandle, code PartitionPropertyCode, buffer unsafe.Pointer, bufferSize uint32) error {
	_, err := callHRESULT(procWHvSetPartitionProperty,
		uintptr(partition),
		uintptr(code),
		uintptr(buffer),
		uintptr(bufferSize),
	)
	return err
}

func SetPartitionPropertyUnsafe[T any](partition PartitionHandle, code PartitionPropertyCode, value T) error {
	size := uint32(unsafe.Sizeof(value))
	_, err := callHRESULT(procWHvSetPartitionProperty,
		uintptr(partition),
		uintptr(code),
		uintptr(unsafe.Pointer(&value)),
		uintptr(size),
	)
	return err
}

// SetCpuidResultList installs the per-leaf CPUID overrides. It is a
// variable sized property, so the generic helper cannot carry it.
func SetCpuidResultList(partition PartitionHandle, results []CpuidResult) error {
	if len(results) == 0 {
		return nil
	}
	size := uint32(len(results)) * uint32(unsafe.Sizeof(results[0]))
	return SetPartitionProperty(partition, PartitionPropertyCodeCpuidResultList, unsafe.Pointer(&results[0]), size)
}

// MapGPARange wraps WHvMapGpaRange.
func MapGPARange(partition PartitionHandle, source unsafe.Pointer, guestAddress GuestPhysicalAddress, sizeInBytes uint64, flags MapGPARangeFlags) error {
	_, err := callHRESULT(procWHvMapGpaRange,
		uintptr(partition),
		uintptr(source),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
		uintptr(flags),
	)
	return err
}

// UnmapGPARange wraps WHvUnmapGpaRange.
func UnmapGPARange(partition PartitionHandle, guestAddress GuestPhysicalAddress, sizeInBytes uint64) error {
	_, err := callHRESULT(procWHvUnmapGpaRange,
		uintptr(partition),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
	)
	return err
}

// QueryGPARangeDirtyBitmap wraps WHvQueryGpaRangeDirtyBitmap. The bitmap
// holds one bit per 4 KiB page and the hypervisor clears the tracked
// state as a side effect of the query.
func QueryGPARangeDirtyBitmap(partition PartitionHandle, guestAddress GuestPhysicalAddress, rangeSize uint64, bitmap []uint64) error {
	var bitmapPtr uintptr
	if len(bitmap) > 0 {
		bitmapPtr = uintptr(unsafe.Pointer(&bitmap[0]))
	}
	_, err := callHRESULT(procWHvQueryGpaRangeDirtyBitmap,
		uintptr(partition),
		uintptr(guestAddress),
		uintptr(rangeSize),
		bitmapPtr,
		uintptr(len(bitmap)*8),
	)
	return err
}

// CreateVirtualProcessor wraps WHvCreateVirtualProcessor.
func CreateVirtualProcessor(partition PartitionHandle, vpIndex uint32, flags uint32) error {
	_, err := callHRESULT(procWHvCreateVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(flags),
	)
	return err
}

// DeleteVirtualProcessor wraps WHvDeleteVirtualProcessor.
func DeleteVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	_, err := callHRESULT(procWHvDeleteVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
	)
	return err
}

// RunVirtualProcessor wraps WHvRunVirtualProcessor. The call blocks until
// the guest exits or another thread cancels the run.
func RunVirtualProcessor(partition PartitionHandle, vpIndex uint32, exitContext *RunVPExitContext) error {
	_, err := callHRESULT(procWHvRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exitContext)),
		uintptr(unsafe.Sizeof(*exitContext)),
	)
	return err
}

// CancelRunVirtualProcessor wraps WHvCancelRunVirtualProcessor.
func CancelRunVirtualProcessor(partition PartitionHandle, vpIndex uint32, flags uint32) error {
	_, err := callHRESULT(procWHvCancelRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(flags),
	)
	return err
}

func checkRegisterLengths(names []RegisterName, values []RegisterValue) error {
	if len(values) < len(names) {
		return fmt.Errorf("whpx: register value slice (%d) smaller than names (%d)", len(values), len(names))
	}
	return nil
}

// GetVirtualProcessorRegisters wraps WHvGetVirtualProcessorRegisters.
func GetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if err := checkRegisterLengths(names, values); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	_, err := callHRESULT(procWHvGetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
	return err
}

// SetVirtualProcessorRegisters wraps WHvSetVirtualProcessorRegisters.
func SetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if err := checkRegisterLengths(names, values); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	_, err := callHRESULT(procWHvSetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
	return err
}

// RequestInterrupt wraps WHvRequestInterrupt.
func RequestInterrupt(partition PartitionHandle, control *InterruptControl) error {
	_, err := callHRESULT(procWHvRequestInterrupt,
		uintptr(partition),
		uintptr(unsafe.Pointer(control)),
		uintptr(unsafe.Sizeof(*control)),
	)
	return err
}
