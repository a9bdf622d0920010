//go:build linux && amd64

// Package kvm adapts the Linux Kernel-based Virtual Machine to the shared
// virtual machine model.
package kvm

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/virtm/virtm/internal/vm"
)

type backend struct {
	fd int

	// Cached KVM_GET_SUPPORTED_CPUID entries, queried once during Probe
	// and reused for every vCPU.
	cpuidEntries []kvmCPUIDEntry2
}

// Open returns the KVM backend. /dev/kvm is not opened until Probe runs.
func Open() (vm.Backend, error) {
	return &backend{fd: -1}, nil
}

func (b *backend) Kind() vm.Kind { return vm.KindKVM }

// Probe opens /dev/kvm, validates the API version and takes the
// capability snapshot. Query failures after the version check degrade the
// report to StatusFailed but keep probing.
func (b *backend) Probe() vm.ProbeReport {
	report := vm.ProbeReport{Status: vm.StatusUninitialized}

	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		report.Status = vm.StatusUnavailable
		report.Err = fmt.Errorf("%w: open /dev/kvm: %v", vm.ErrUnavailable, err)
		return report
	}

	version, err := getAPIVersion(fd)
	if err != nil {
		unix.Close(fd)
		report.Status = vm.StatusFailed
		report.Err = fmt.Errorf("%w: KVM_GET_API_VERSION: %v", vm.ErrFailed, err)
		return report
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		report.Status = vm.StatusFailed
		report.Err = fmt.Errorf("%w: KVM API version %d, want %d", vm.ErrFailed, version, kvmAPIVersion)
		return report
	}

	b.fd = fd
	report.Status = vm.StatusOK
	report.Version = hostVersion()
	report.Features = b.probeFeatures(&report)
	return report
}

// hostVersion reports the running kernel release, which is what gates KVM
// behavior once the API version check has passed.
func hostVersion() vm.VersionInfo {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return vm.VersionInfo{}
	}

	release := uts.Release[:]
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

// failProbe records the first capability failure and downgrades the
// report without aborting the remaining queries.
func failProbe(report *vm.ProbeReport, what string, err error) {
	slog.Warn("kvm capability query failed", "capability", what, "error", err)
	if report.Err == nil {
		report.Err = fmt.Errorf("%w: query %s: %v", vm.ErrFailed, what, err)
	}
	report.Status = vm.StatusFailed
}

func (b *backend) probeFeatures(report *vm.ProbeReport) vm.Features {
	features := vm.Features{
		// A memory slot is deleted whole. Aliasing works because several
		// slots may reference the same host pages.
		MemoryUnmapping:   true,
		MemoryAliasing:    true,
		PartialUnmapping:  false,
		UnrestrictedGuest: true,
		ExtendedPageTables: true,

		LargeMemoryAllocation: true,
		CustomCPUIDs:          true,

		// KVM_MEM_LOG_DIRTY_PAGES plus KVM_GET_DIRTY_LOG, always present.
		// The dirty log covers a whole slot per query.
		DirtyPageTracking:  true,
		PartialDirtyBitmap: false,

		ExtendedControlRegisters: vm.ExtendedControlCR8,
	}

	cap := func(what string, number uintptr) int {
		v, err := checkExtension(b.fd, number)
		if err != nil {
			failProbe(report, what, err)
			return 0
		}
		return v
	}

	if cap("KVM_CAP_USER_MEMORY", kvmCapUserMemory) == 0 {
		failProbe(report, "KVM_CAP_USER_MEMORY", fmt.Errorf("userspace memory slots unsupported"))
	}

	// The recommended vCPU limit. Zero means the documented default of 4.
	if n := cap("KVM_CAP_NR_VCPUS", kvmCapNrVCPUs); n > 0 {
		features.MaxProcessorsPerVM = n
	} else {
		features.MaxProcessorsPerVM = 4
	}
	if n := cap("KVM_CAP_MAX_VCPUS", kvmCapMaxVCPUs); n > 0 {
		features.MaxProcessorsGlobal = n
	} else {
		features.MaxProcessorsGlobal = features.MaxProcessorsPerVM
	}

	if cap("KVM_CAP_XCRS", kvmCapXcrs) > 0 {
		features.ExtendedControlRegisters |= vm.ExtendedControlXCR0
	}

	if cap("KVM_CAP_X86_USER_SPACE_MSR", kvmCapX86UserSpaceMsr) > 0 {
		features.ExtendedVMExits |= vm.ExtendedExitMSRAccess
	}

	_, entries, err := getSupportedCPUID(b.fd)
	if err != nil {
		failProbe(report, "KVM_GET_SUPPORTED_CPUID", err)
		features.GuestPhysicalAddress = vm.GuestPhysicalAddressLimitsForBits(defaultPhysicalAddressBits)
		return features
	}
	b.cpuidEntries = entries

	features.FloatingPointExtensions = floatingPointFromCPUID(entries)
	features.GuestPhysicalAddress = vm.GuestPhysicalAddressLimitsForBits(physicalAddressBits(entries))

	return features
}

// defaultPhysicalAddressBits is used when leaf 0x80000008 is absent from
// the supported CPUID list.
const defaultPhysicalAddressBits = 40

func physicalAddressBits(entries []kvmCPUIDEntry2) uint8 {
	for _, e := range entries {
		if e.Function == 0x80000008 {
			if bits := uint8(e.Eax); bits != 0 {
				return bits
			}
		}
	}
	return defaultPhysicalAddressBits
}

func floatingPointFromCPUID(entries []kvmCPUIDEntry2) vm.FloatingPointExtension {
	var ext vm.FloatingPointExtension
	for _, e := range entries {
		switch {
		case e.Function == 1:
			if e.Edx&(1<<23) != 0 {
				ext |= vm.FloatingPointMMX
			}
			if e.Edx&(1<<25) != 0 {
				ext |= vm.FloatingPointSSE
			}
			if e.Edx&(1<<26) != 0 {
				ext |= vm.FloatingPointSSE2
			}
			if e.Ecx&(1<<0) != 0 {
				ext |= vm.FloatingPointSSE3
			}
			if e.Ecx&(1<<9) != 0 {
				ext |= vm.FloatingPointSSSE3
			}
			if e.Ecx&(1<<12) != 0 {
				ext |= vm.FloatingPointFMA3
			}
			if e.Ecx&(1<<19) != 0 {
				ext |= vm.FloatingPointSSE4_1
			}
			if e.Ecx&(1<<20) != 0 {
				ext |= vm.FloatingPointSSE4_2
			}
			if e.Ecx&(1<<28) != 0 {
				ext |= vm.FloatingPointAVX
			}
			if e.Ecx&(1<<29) != 0 {
				ext |= vm.FloatingPointF16C
			}
		case e.Function == 7 && e.Index == 0:
			if e.Ebx&(1<<5) != 0 {
				ext |= vm.FloatingPointAVX2
			}
			if e.Ebx&(1<<16) != 0 {
				ext |= vm.FloatingPointAVX512
			}
		}
	}
	return ext
}

// NewPartition creates a KVM virtual machine file descriptor and applies
// the partition-wide parts of the specification.
func (b *backend) NewPartition(spec vm.Specifications) (vm.Partition, error) {
	if b.fd < 0 {
		return nil, fmt.Errorf("%w: backend not probed", vm.ErrInvalidState)
	}

	vmFd, err := createVM(b.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: KVM_CREATE_VM: %v", vm.ErrResource, err)
	}

	fail := func(what string, err error) (vm.Partition, error) {
		unix.Close(vmFd)
		return nil, fmt.Errorf("%w: %s: %v", vm.ErrResource, what, err)
	}

	// Required on Intel hosts without unrestricted guest mode. The range
	// must stay clear of guest RAM.
	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		return fail("KVM_SET_TSS_ADDR", err)
	}

	if spec.ExtendedVMExits.Has(vm.ExtendedExitMSRAccess) {
		args := kvmEnableCapArgs{Cap: kvmCapX86UserSpaceMsr}
		args.Args[0] = kvmMsrExitReasonUnknown | kvmMsrExitReasonInval
		if err := enableCap(vmFd, &args); err != nil {
			return fail("KVM_ENABLE_CAP(user space MSR)", err)
		}
	}

	mmapSize, err := getVCPUMmapSize(b.fd)
	if err != nil {
		return fail("KVM_GET_VCPU_MMAP_SIZE", err)
	}

	slog.Debug("kvm partition created",
		"processors", spec.Processors,
		"memorySize", spec.MemorySize)

	return &partition{
		backend:  b,
		vmFd:     vmFd,
		mmapSize: mmapSize,
		spec:     spec,
		slots:    make(map[uint64]memorySlot),
	}, nil
}

func (b *backend) Close() error {
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			return fmt.Errorf("close /dev/kvm: %w", err)
		}
		b.fd = -1
	}
	return nil
}
