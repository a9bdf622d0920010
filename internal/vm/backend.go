package vm

import "context"

// Kind identifies a hypervisor backend in the registry.
type Kind string

const (
	KindWHPX Kind = "whpx"
	KindKVM  Kind = "kvm"
	KindHVF  Kind = "hvf"
	KindStub Kind = "stub"
)

// ProbeReport is the result of backend capability probing. A probe keeps
// going after individual query failures so partial feature information is
// still published; Err records the first failure for diagnostics while
// Status tells callers whether the platform may be trusted.
type ProbeReport struct {
	Status   Status
	Version  VersionInfo
	Features Features
	Err      error
}

// Backend is the per-hypervisor adapter contract. The shared layer drives
// backends exclusively through this interface; native signatures, structs
// and error codes never cross it.
type Backend interface {
	Kind() Kind

	// Probe loads the backend's dispatch table and queries capabilities.
	// A host without the backend yields StatusUnavailable, never an
	// unrecoverable error.
	Probe() ProbeReport

	// NewPartition creates and configures a native partition for the given
	// specification. The specification has already been validated against
	// the probed Features.
	NewPartition(spec Specifications) (Partition, error)

	// Close releases the dispatch table. Called after every partition the
	// backend created has been destroyed.
	Close() error
}

// HostMemory is a host allocation suitable for mapping into a guest. The
// backing allocator is backend specific (VirtualAlloc on Windows, mmap on
// Linux and darwin) so that alignment and large page constraints are met.
type HostMemory interface {
	Slice() []byte
	Size() uint64
	Close() error
}

// Partition is the native counterpart of one VirtualMachine.
type Partition interface {
	AllocateMemory(size uint64) (HostMemory, error)
	MapMemory(mem HostMemory, gpa uint64, perms Permission) error
	UnmapMemory(gpa, size uint64) error

	// QueryDirtyPages returns a packed bitmap with one bit per page in the
	// range, set when the page was written since the previous query.
	QueryDirtyPages(gpa, size uint64) ([]uint64, error)

	NewProcessor(id int) (Processor, error)

	Close() error
}

// Processor is the native counterpart of one VirtualProcessor. All methods
// must be called from the goroutine that owns the processor, except
// CancelRun which is safe to call concurrently with Run.
type Processor interface {
	Run(ctx context.Context) (*ExitInfo, error)
	CancelRun() error

	Registers(regs map[Register]RegisterValue) error
	SetRegisters(regs map[Register]RegisterValue) error

	Interrupt(event InterruptEvent) error
	Exception(event ExceptionEvent) error

	Close() error
}
