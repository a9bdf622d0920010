// Package virtm is a cross-platform virtual machine abstraction layer. It
// exposes one Platform/VirtualMachine/VirtualProcessor model over the
// hypervisor facilities the host operating system ships: the Windows
// Hypervisor Platform, Linux KVM and the macOS Hypervisor.framework.
//
// Callers obtain a probed Platform with Native or Lookup, create virtual
// machines from a Specifications value and drive guest execution through
// VirtualProcessor.Run. Which backend a build carries is decided by
// GOOS/GOARCH at compile time; a host without a usable hypervisor yields a
// Platform whose Status is not Usable rather than a hard failure.
package virtm

import (
	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/factory"
)

// -----------------------------------------------------------------------------
// Type aliases - re-exported from internal/vm
// -----------------------------------------------------------------------------

// Kind identifies a hypervisor backend.
type Kind = vm.Kind

// Platform wraps one probed hypervisor backend.
type Platform = vm.Platform

// VirtualMachine is a created partition with its memory map and processors.
type VirtualMachine = vm.VirtualMachine

// VirtualProcessor is one virtual CPU of a VirtualMachine.
type VirtualProcessor = vm.VirtualProcessor

// Specifications describes the virtual machine a caller wants.
type Specifications = vm.Specifications

// CPUIDResult overrides one CPUID leaf for a VM's processors.
type CPUIDResult = vm.CPUIDResult

// Status describes the outcome of platform initialization.
type Status = vm.Status

// VersionInfo is a probed backend version.
type VersionInfo = vm.VersionInfo

// Features is the capability snapshot taken when a platform is probed.
type Features = vm.Features

// FloatingPointExtension is a bitset of guest floating point capabilities.
type FloatingPointExtension = vm.FloatingPointExtension

// ExtendedControlRegister is a bitset of accessible extended control
// registers.
type ExtendedControlRegister = vm.ExtendedControlRegister

// ExtendedVMExit is a bitset of optional exit classes.
type ExtendedVMExit = vm.ExtendedVMExit

// ExceptionCode is a bitset selecting guest exceptions that cause exits.
type ExceptionCode = vm.ExceptionCode

// GuestPhysicalAddressLimits bounds the guest physical address space.
type GuestPhysicalAddressLimits = vm.GuestPhysicalAddressLimits

// Permission is a bitset of guest memory mapping permissions.
type Permission = vm.Permission

// HostMemory is host-allocated backing memory for guest mappings.
type HostMemory = vm.HostMemory

// MemoryRegion is one mapped range of guest physical memory.
type MemoryRegion = vm.MemoryRegion

// Register names an architectural register in the shared register file.
type Register = vm.Register

// RegisterValue is the value of one register; its concrete type matches the
// register's width and shape.
type RegisterValue = vm.RegisterValue

// Register64 is a plain 64-bit register value.
type Register64 = vm.Register64

// Register128 is a 128-bit register value, used for XMM registers.
type Register128 = vm.Register128

// SegmentValue is a segment register value with its hidden descriptor part.
type SegmentValue = vm.SegmentValue

// TableValue is a descriptor table register value (GDTR, IDTR).
type TableValue = vm.TableValue

// ExitReason classifies why a Run call returned.
type ExitReason = vm.ExitReason

// ExitInfo describes one VM exit.
type ExitInfo = vm.ExitInfo

// IOExit carries the payload of an ExitIO exit.
type IOExit = vm.IOExit

// MemoryExit carries the payload of an ExitMemory exit.
type MemoryExit = vm.MemoryExit

// CPUIDExit carries the payload of an ExitCPUID exit.
type CPUIDExit = vm.CPUIDExit

// MSRExit carries the payload of an ExitMSRAccess exit.
type MSRExit = vm.MSRExit

// TSCExit carries the payload of an ExitTSCAccess exit.
type TSCExit = vm.TSCExit

// ExceptionExit carries the payload of an ExitException exit.
type ExceptionExit = vm.ExceptionExit

// HypercallExit carries the payload of an ExitHypercall exit.
type HypercallExit = vm.HypercallExit

// MemoryAccessType distinguishes read, write and execute faults.
type MemoryAccessType = vm.MemoryAccessType

// InterruptEvent is an interrupt queued for injection into a processor.
type InterruptEvent = vm.InterruptEvent

// InterruptKind selects the delivery class of an injected interrupt.
type InterruptKind = vm.InterruptKind

// ExceptionEvent is a CPU exception queued for injection into a processor.
type ExceptionEvent = vm.ExceptionEvent

// Backend is the low-level adapter interface a hypervisor backend
// implements. Embedders can supply their own through NewPlatform.
type Backend = vm.Backend

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Backend kinds.
const (
	KindWHPX = vm.KindWHPX
	KindKVM  = vm.KindKVM
	KindHVF  = vm.KindHVF
)

// Platform statuses.
const (
	StatusOK          = vm.StatusOK
	StatusUnavailable = vm.StatusUnavailable
	StatusFailed      = vm.StatusFailed
)

// Memory mapping permissions.
const (
	PermRead       = vm.PermRead
	PermWrite      = vm.PermWrite
	PermExecute    = vm.PermExecute
	PermDirtyTrack = vm.PermDirtyTrack
)

// PageSize is the guest page granularity of all memory operations.
const PageSize = vm.PageSize

// Exit reasons.
const (
	ExitNormal          = vm.ExitNormal
	ExitCancelled       = vm.ExitCancelled
	ExitInterruptWindow = vm.ExitInterruptWindow
	ExitIO              = vm.ExitIO
	ExitMemory          = vm.ExitMemory
	ExitHalt            = vm.ExitHalt
	ExitCPUID           = vm.ExitCPUID
	ExitMSRAccess       = vm.ExitMSRAccess
	ExitTSCAccess       = vm.ExitTSCAccess
	ExitException       = vm.ExitException
	ExitAPICSMI         = vm.ExitAPICSMI
	ExitHypercall       = vm.ExitHypercall
	ExitShutdown        = vm.ExitShutdown
	ExitError           = vm.ExitError
	ExitUnknown         = vm.ExitUnknown
)

// Interrupt delivery classes.
const (
	InterruptFixed = vm.InterruptFixed
	InterruptNMI   = vm.InterruptNMI
	InterruptSMI   = vm.InterruptSMI
	InterruptInit  = vm.InterruptInit
	InterruptSIPI  = vm.InterruptSIPI
)

// -----------------------------------------------------------------------------
// Sentinel errors
// -----------------------------------------------------------------------------

var (
	// ErrUnavailable indicates the host lacks the hypervisor backend.
	// This can happen when:
	//   - the build's target platform carries no native backend
	//   - the hypervisor service or kernel module is not present
	//   - permissions are missing (e.g. /dev/kvm access, macOS entitlements)
	//
	// Use errors.Is(err, virtm.ErrUnavailable) to check and skip tests in CI.
	ErrUnavailable = vm.ErrUnavailable

	// ErrFailed indicates the backend is present but a native call failed.
	ErrFailed = vm.ErrFailed

	// ErrInvalidSpecification indicates a VM specification outside the
	// platform's advertised limits.
	ErrInvalidSpecification = vm.ErrInvalidSpecification

	// ErrInvalidState indicates an operation issued in the wrong lifecycle
	// state.
	ErrInvalidState = vm.ErrInvalidState

	// ErrUnsupported indicates an operation gated on a feature the backend
	// does not advertise.
	ErrUnsupported = vm.ErrUnsupported

	// ErrResource indicates a native allocation or mapping failure.
	ErrResource = vm.ErrResource
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// Native returns the platform for this build's native hypervisor backend,
// probing it on first call. The returned platform is cached; subsequent
// calls return the same instance. Check Status().Usable() before creating
// VMs.
func Native() (*Platform, error) {
	return factory.Native()
}

// Lookup returns the platform for a specific backend kind. A kind the
// build does not carry yields a wrapped ErrUnavailable.
func Lookup(kind Kind) (*Platform, error) {
	return vm.Lookup(kind)
}

// Kinds returns the backend kinds this build carries, in stable order.
func Kinds() []Kind {
	return vm.Kinds()
}

// Usable returns the platforms whose backends probed as usable on this
// host.
func Usable() []*Platform {
	return factory.Usable()
}

// NewPlatform probes a caller-supplied backend and wraps it in a Platform,
// bypassing the registry. Intended for tests and embedders.
func NewPlatform(backend Backend) *Platform {
	return vm.NewPlatform(backend)
}

// LoadSpecifications reads a Specifications value from a YAML file.
func LoadSpecifications(path string) (Specifications, error) {
	return vm.LoadSpecifications(path)
}
