package vm

import "fmt"

// FloatingPointExtension is a bitset of floating point instruction set
// extensions available to guests.
type FloatingPointExtension uint32

const (
	FloatingPointMMX FloatingPointExtension = 1 << iota
	FloatingPointSSE
	FloatingPointSSE2
	FloatingPointSSE3
	FloatingPointSSSE3
	FloatingPointSSE4_1
	FloatingPointSSE4_2
	FloatingPointAVX
	FloatingPointAVX2
	FloatingPointAVX512
	FloatingPointFMA3
	FloatingPointF16C
)

// ExtendedControlRegister is a bitset of optional control registers that a
// backend exposes beyond the baseline CR0/CR2/CR3/CR4 set.
type ExtendedControlRegister uint32

const (
	ExtendedControlCR8 ExtendedControlRegister = 1 << iota
	ExtendedControlMXCSRMask
	ExtendedControlXCR0
)

// ExtendedVMExit is a bitset of optional, feature-gated exit classes that
// must be explicitly enabled on a partition before the hypervisor reports
// them.
type ExtendedVMExit uint32

const (
	ExtendedExitCPUID ExtendedVMExit = 1 << iota
	ExtendedExitMSRAccess
	ExtendedExitException
	ExtendedExitTSCAccess
	ExtendedExitAPICSMI
	ExtendedExitHypercall
)

var extendedExitNames = map[ExtendedVMExit]string{
	ExtendedExitCPUID:     "cpuid",
	ExtendedExitMSRAccess: "msr",
	ExtendedExitException: "exception",
	ExtendedExitTSCAccess: "tsc",
	ExtendedExitAPICSMI:   "apic-smi",
	ExtendedExitHypercall: "hypercall",
}

func (e ExtendedVMExit) Has(flag ExtendedVMExit) bool { return e&flag != 0 }

// MarshalYAML renders the bitset as a list of exit names so specification
// files stay readable.
func (e ExtendedVMExit) MarshalYAML() (any, error) {
	var names []string
	for bit := ExtendedExitCPUID; bit <= ExtendedExitHypercall; bit <<= 1 {
		if e.Has(bit) {
			names = append(names, extendedExitNames[bit])
		}
	}
	return names, nil
}

func (e *ExtendedVMExit) UnmarshalYAML(unmarshal func(any) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	var out ExtendedVMExit
	for _, name := range names {
		found := false
		for bit, n := range extendedExitNames {
			if n == name {
				out |= bit
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown extended VM exit %q", name)
		}
	}
	*e = out
	return nil
}

// ExceptionCode is a bitset over the x86 exception vectors 0..31 used to
// select which guest exceptions cause an exit when exception exits are
// enabled.
type ExceptionCode uint32

const (
	ExceptionDivideError ExceptionCode = 1 << iota
	ExceptionDebug
	ExceptionNMI
	ExceptionBreakpoint
	ExceptionOverflow
	ExceptionBoundRange
	ExceptionInvalidOpcode
	ExceptionDeviceNotAvailable
	ExceptionDoubleFault
	_
	ExceptionInvalidTSS
	ExceptionSegmentNotPresent
	ExceptionStackFault
	ExceptionGeneralProtection
	ExceptionPageFault
	_
	ExceptionFPError
	ExceptionAlignmentCheck
	ExceptionMachineCheck
	ExceptionSIMDError
)

func (e ExceptionCode) Has(flag ExceptionCode) bool { return e&flag != 0 }

// ExceptionCodeFromVector returns the bitmask bit for an exception vector,
// or zero for vectors outside the architectural range.
func ExceptionCodeFromVector(vector uint8) ExceptionCode {
	if vector >= 32 {
		return 0
	}
	return ExceptionCode(1) << vector
}

// GuestPhysicalAddressLimits describes the guest physical address space a
// backend can map.
type GuestPhysicalAddressLimits struct {
	MaxBits    uint8
	MaxAddress uint64
	Mask       uint64
}

// GuestPhysicalAddressLimitsForBits derives the address limits from a bit
// width as reported by the backend.
func GuestPhysicalAddressLimitsForBits(bits uint8) GuestPhysicalAddressLimits {
	if bits == 0 || bits > 64 {
		bits = 64
	}
	var max uint64
	if bits == 64 {
		max = ^uint64(0)
	} else {
		max = (uint64(1) << bits) - 1
	}
	return GuestPhysicalAddressLimits{MaxBits: bits, MaxAddress: max, Mask: max &^ (PageSize - 1)}
}

// Features is the immutable capability snapshot published by a Platform
// after probing. Callers must treat it as read-only.
type Features struct {
	FloatingPointExtensions  FloatingPointExtension
	ExtendedControlRegisters ExtendedControlRegister

	MaxProcessorsPerVM  int
	MaxProcessorsGlobal int

	GuestPhysicalAddress GuestPhysicalAddressLimits

	UnrestrictedGuest     bool
	ExtendedPageTables    bool
	LargeMemoryAllocation bool
	CustomCPUIDs          bool
	DirtyPageTracking     bool
	PartialDirtyBitmap    bool
	PartialUnmapping      bool
	MemoryAliasing        bool
	MemoryUnmapping       bool

	ExtendedVMExits ExtendedVMExit
	ExceptionExits  ExceptionCode
}
