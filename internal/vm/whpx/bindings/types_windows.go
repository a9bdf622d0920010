//go:build windows && amd64

package bindings

// GuestPhysicalAddress is an address in the partition's physical address
// space.
type GuestPhysicalAddress uint64

// GuestVirtualAddress is an address in the guest's virtual address space.
type GuestVirtualAddress uint64

// PartitionHandle is an opaque WHV_PARTITION_HANDLE.
type PartitionHandle uintptr

// CapabilityCode mirrors WHV_CAPABILITY_CODE for the capabilities the probe
// sequence queries.
type CapabilityCode uint32

const (
	CapabilityCodeHypervisorPresent    CapabilityCode = 0x00000000
	CapabilityCodeFeatures             CapabilityCode = 0x00000001
	CapabilityCodeExtendedVmExits      CapabilityCode = 0x00000002
	CapabilityCodeExceptionExitBitmap  CapabilityCode = 0x00000003
	CapabilityCodeProcessorVendor      CapabilityCode = 0x00001000
	CapabilityCodeProcessorFeatures    CapabilityCode = 0x00001001
	CapabilityCodePhysicalAddressWidth CapabilityCode = 0x0000100A
)

// CapabilityFeatures mirrors WHV_CAPABILITY_FEATURES.
type CapabilityFeatures uint64

const (
	CapabilityFeaturePartialUnmap       CapabilityFeatures = 1 << 0
	CapabilityFeatureLocalApicEmulation CapabilityFeatures = 1 << 1
	CapabilityFeatureXsave              CapabilityFeatures = 1 << 2
	CapabilityFeatureDirtyPageTracking  CapabilityFeatures = 1 << 3
	CapabilityFeatureSpeculationControl CapabilityFeatures = 1 << 4
	CapabilityFeatureApicRemoteRead     CapabilityFeatures = 1 << 5
	CapabilityFeatureIdleSuspend        CapabilityFeatures = 1 << 6
)

// ExtendedVmExits mirrors WHV_EXTENDED_VM_EXITS.
type ExtendedVmExits uint64

const (
	ExtendedVmExitX64Cpuid       ExtendedVmExits = 1 << 0
	ExtendedVmExitX64Msr         ExtendedVmExits = 1 << 1
	ExtendedVmExitException      ExtendedVmExits = 1 << 2
	ExtendedVmExitX64Rdtsc       ExtendedVmExits = 1 << 3
	ExtendedVmExitX64ApicSmiTrap ExtendedVmExits = 1 << 4
	ExtendedVmExitHypercall      ExtendedVmExits = 1 << 5
)

// ProcessorFeatures mirrors WHV_PROCESSOR_FEATURES. Only the floating
// point extension bits the feature snapshot reports are named.
type ProcessorFeatures uint64

const (
	ProcessorFeatureSse3Support   ProcessorFeatures = 1 << 0
	ProcessorFeatureSsse3Support  ProcessorFeatures = 1 << 2
	ProcessorFeatureSse41Support  ProcessorFeatures = 1 << 3
	ProcessorFeatureSse42Support  ProcessorFeatures = 1 << 4
	ProcessorFeatureSse4aSupport  ProcessorFeatures = 1 << 5
	ProcessorFeaturePopCntSupport ProcessorFeatures = 1 << 7
	ProcessorFeatureF16CSupport   ProcessorFeatures = 1 << 20
)

// PartitionPropertyCode mirrors WHV_PARTITION_PROPERTY_CODE.
type PartitionPropertyCode uint32

const (
	PartitionPropertyCodeExtendedVmExits     PartitionPropertyCode = 0x00000001
	PartitionPropertyCodeExceptionExitBitmap PartitionPropertyCode = 0x00000002
	PartitionPropertyCodeProcessorCount      PartitionPropertyCode = 0x00001fff
	PartitionPropertyCodeCpuidResultList     PartitionPropertyCode = 0x00001004
)

// CpuidResult mirrors WHV_X64_CPUID_RESULT.
type CpuidResult struct {
	Function uint32
	Reserved [3]uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// MapGPARangeFlags mirrors WHV_MAP_GPA_RANGE_FLAGS.
type MapGPARangeFlags uint32

const (
	MapGPARangeFlagNone            MapGPARangeFlags = 0
	MapGPARangeFlagRead            MapGPARangeFlags = 1 << 0
	MapGPARangeFlagWrite           MapGPARangeFlags = 1 << 1
	MapGPARangeFlagExecute         MapGPARangeFlags = 1 << 2
	MapGPARangeFlagTrackDirtyPages MapGPARangeFlags = 1 << 3
)

// InterruptType mirrors WHV_INTERRUPT_TYPE.
type InterruptType uint32

const (
	InterruptTypeFixed          InterruptType = 0
	InterruptTypeLowestPriority InterruptType = 1
	InterruptTypeNmi            InterruptType = 4
	InterruptTypeInit           InterruptType = 5
	InterruptTypeSipi           InterruptType = 6
	InterruptTypeLocalInt1      InterruptType = 9
)

// InterruptDestinationMode mirrors WHV_INTERRUPT_DESTINATION_MODE.
type InterruptDestinationMode uint32

const (
	InterruptDestinationPhysical InterruptDestinationMode = 0
	InterruptDestinationLogical  InterruptDestinationMode = 1
)

// InterruptTriggerMode mirrors WHV_INTERRUPT_TRIGGER_MODE.
type InterruptTriggerMode uint32

const (
	InterruptTriggerEdge  InterruptTriggerMode = 0
	InterruptTriggerLevel InterruptTriggerMode = 1
)

// InterruptControlKind packs the WHV_INTERRUPT_CONTROL bitfield:
// Type : 8, DestinationMode : 4, TriggerMode : 4, Reserved : 48.
type InterruptControlKind uint64

func MakeInterruptControlKind(
	intType InterruptType,
	destMode InterruptDestinationMode,
	trigMode InterruptTriggerMode,
) InterruptControlKind {
	return InterruptControlKind(uint64(intType)&0xFF) |
		(InterruptControlKind(uint64(destMode)&0xF) << 8) |
		(InterruptControlKind(uint64(trigMode)&0xF) << 12)
}

// InterruptControl mirrors WHV_INTERRUPT_CONTROL (16 bytes).
type InterruptControl struct {
	Control     InterruptControlKind
	Destination uint32
	Vector      uint32
}
