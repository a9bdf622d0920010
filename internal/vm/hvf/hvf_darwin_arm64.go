//go:build darwin && arm64

// Package hvf adapts Apple's Hypervisor.framework to the shared virtual
// machine model on darwin/arm64.
package hvf

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtm/virtm/internal/vm"
)

// Hypervisor.framework supports a single VM per process, so partition
// creation is guarded globally.
var vmActive atomic.Bool

type backend struct{}

// Open returns the HVF backend. The framework is not loaded until Probe
// runs.
func Open() (vm.Backend, error) {
	return &backend{}, nil
}

func (b *backend) Kind() vm.Kind { return vm.KindHVF }

// Probe checks the kern.hv_support sysctl, loads Hypervisor.framework and
// takes the capability snapshot.
func (b *backend) Probe() vm.ProbeReport {
	report := vm.ProbeReport{Status: vm.StatusUninitialized}

	supported, err := unix.SysctlUint32("kern.hv_support")
	if err != nil || supported == 0 {
		report.Status = vm.StatusUnavailable
		report.Err = fmt.Errorf("%w: Hypervisor.framework is not supported on this host", vm.ErrUnavailable)
		return report
	}

	if err := loadBindings(); err != nil {
		report.Status = vm.StatusUnavailable
		report.Err = fmt.Errorf("%w: %v", vm.ErrUnavailable, err)
		return report
	}

	report.Status = vm.StatusOK
	report.Version = hostVersion()
	report.Features = probeFeatures(&report)
	return report
}

func hostVersion() vm.VersionInfo {
	release, err := unix.Sysctl("kern.osrelease")
	if err != nil {
		return vm.VersionInfo{}
	}

	var parts [3]int
	idx := 0
	for _, c := range release {
		if c >= '0' && c <= '9' {
			parts[idx] = parts[idx]*10 + int(c-'0')
			continue
		}
		if c == '.' && idx < 2 {
			idx++
			continue
		}
		break
	}
	return vm.VersionInfo{Major: parts[0], Minor: parts[1], Build: parts[2]}
}

func failProbe(report *vm.ProbeReport, what string, err error) {
	slog.Warn("hvf capability query failed", "capability", what, "error", err)
	if report.Err == nil {
		report.Err = fmt.Errorf("%w: query %s: %v", vm.ErrFailed, what, err)
	}
	report.Status = vm.StatusFailed
}

// defaultIPABits is used when the framework does not answer the IPA size
// query. 36 bits matches the framework's floor on Apple silicon.
const defaultIPABits = 36

func probeFeatures(report *vm.ProbeReport) vm.Features {
	features := vm.Features{
		UnrestrictedGuest:  true,
		ExtendedPageTables: true,

		LargeMemoryAllocation: true,

		// hv_vm_unmap accepts any page-aligned subrange of a mapping.
		MemoryUnmapping:  true,
		PartialUnmapping: true,
		MemoryAliasing:   true,
	}

	var count uint32
	if err := hvVmGetMaxVcpuCount(&count); err != hvSuccess {
		failProbe(report, "hv_vm_get_max_vcpu_count", err)
	} else {
		features.MaxProcessorsPerVM = int(count)
		features.MaxProcessorsGlobal = int(count)
	}

	var ipaBits uint32
	if err := hvVmConfigGetMaxIpa(&ipaBits); err != hvSuccess {
		ipaBits = defaultIPABits
	}
	features.GuestPhysicalAddress = vm.GuestPhysicalAddressLimitsForBits(uint8(ipaBits))

	return features
}

// NewPartition creates the process-wide Hypervisor.framework VM.
func (b *backend) NewPartition(spec vm.Specifications) (vm.Partition, error) {
	if !vmActive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: Hypervisor.framework allows one VM per process", vm.ErrResource)
	}

	if err := hvVmCreate(hvVmConfigCreate()); err != hvSuccess {
		vmActive.Store(false)
		return nil, fmt.Errorf("%w: hv_vm_create: %v", vm.ErrResource, err)
	}

	slog.Debug("hvf partition created",
		"processors", spec.Processors,
		"memorySize", spec.MemorySize)

	return &partition{}, nil
}

func (b *backend) Close() error { return nil }

type hostMemory struct {
	mem []byte
}

func (m *hostMemory) Slice() []byte { return m.mem }
func (m *hostMemory) Size() uint64  { return uint64(len(m.mem)) }

func (m *hostMemory) Close() error {
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap guest memory: %w", err)
	}
	return nil
}

type partition struct {
	closed atomic.Bool
}

func (p *partition) AllocateMemory(size uint64) (vm.HostMemory, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("%w: allocation of 0x%x bytes exceeds host address limit", vm.ErrResource, size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap guest memory: %v", vm.ErrResource, err)
	}
	return &hostMemory{mem: mem}, nil
}

func (p *partition) MapMemory(mem vm.HostMemory, gpa uint64, perms vm.Permission) error {
	backing, ok := mem.(*hostMemory)
	if !ok {
		return fmt.Errorf("%w: memory was not allocated by this backend", vm.ErrInvalidState)
	}
	if backing.mem == nil {
		return fmt.Errorf("%w: memory already released", vm.ErrInvalidState)
	}
	if perms&vm.PermDirtyTrack != 0 {
		return fmt.Errorf("%w: dirty page tracking", vm.ErrUnsupported)
	}

	var flags hvMemoryFlags
	if perms&vm.PermRead != 0 {
		flags |= hvMemoryRead
	}
	if perms&vm.PermWrite != 0 {
		flags |= hvMemoryWrite
	}
	if perms&vm.PermExecute != 0 {
		flags |= hvMemoryExec
	}

	if err := hvVmMap(
		unsafe.Pointer(&backing.mem[0]),
		gpa,
		uint64(len(backing.mem)),
		flags,
	); err != hvSuccess {
		return fmt.Errorf("%w: hv_vm_map at 0x%x: %v", vm.ErrResource, gpa, err)
	}
	return nil
}

func (p *partition) UnmapMemory(gpa, size uint64) error {
	if err := hvVmUnmap(gpa, size); err != hvSuccess {
		return fmt.Errorf("%w: hv_vm_unmap at 0x%x: %v", vm.ErrResource, gpa, err)
	}
	return nil
}

func (p *partition) QueryDirtyPages(gpa, size uint64) ([]uint64, error) {
	return nil, fmt.Errorf("%w: dirty page tracking", vm.ErrUnsupported)
}

func (p *partition) NewProcessor(id int) (vm.Processor, error) {
	return newProcessor(id)
}

func (p *partition) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := hvVmDestroy(); err != hvSuccess {
		return fmt.Errorf("%w: hv_vm_destroy: %v", vm.ErrFailed, err)
	}
	vmActive.Store(false)
	return nil
}
