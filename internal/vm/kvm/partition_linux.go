//go:build linux && amd64

package kvm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtm/virtm/internal/vm"
)

// hostMemory is an anonymous private mmap suitable for guest backing.
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

// memorySlot records one KVM userspace memory region, keyed by guest
// physical base address.
type memorySlot struct {
	slot  uint32
	size  uint64
	flags uint32
}

type partition struct {
	backend  *backend
	vmFd     int
	mmapSize int
	spec     vm.Specifications

	mu       sync.Mutex
	slots    map[uint64]memorySlot
	nextSlot uint32
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

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: madvise guest memory: %v", vm.ErrResource, err)
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

	var flags uint32
	if perms&vm.PermWrite == 0 {
		flags |= kvmMemReadonly
	}
	if perms&vm.PermDirtyTrack != 0 {
		flags |= kvmMemLogDirtyPages
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSlot++
	slot := p.nextSlot

	if err := setUserMemoryRegion(p.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(backing.mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&backing.mem[0]))),
	}); err != nil {
		return fmt.Errorf("%w: KVM_SET_USER_MEMORY_REGION: %v", vm.ErrResource, err)
	}

	p.slots[gpa] = memorySlot{slot: slot, size: uint64(len(backing.mem)), flags: flags}
	return nil
}

func (p *partition) UnmapMemory(gpa, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.slots[gpa]
	if !ok || entry.size != size {
		return fmt.Errorf("%w: no memory slot at 0x%x with size 0x%x", vm.ErrInvalidState, gpa, size)
	}

	// A slot is deleted by shrinking it to zero bytes.
	if err := setUserMemoryRegion(p.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          entry.slot,
		GuestPhysAddr: gpa,
		MemorySize:    0,
	}); err != nil {
		return fmt.Errorf("%w: delete memory slot: %v", vm.ErrResource, err)
	}

	delete(p.slots, gpa)
	return nil
}

func (p *partition) QueryDirtyPages(gpa, size uint64) ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.slots[gpa]
	if !ok || entry.size != size {
		return nil, fmt.Errorf("%w: no memory slot at 0x%x with size 0x%x", vm.ErrInvalidState, gpa, size)
	}
	if entry.flags&kvmMemLogDirtyPages == 0 {
		return nil, fmt.Errorf("%w: memory slot at 0x%x was not mapped with dirty tracking", vm.ErrInvalidState, gpa)
	}

	pages := size / vm.PageSize
	bitmap := make([]uint64, (pages+63)/64)
	log := kvmDirtyLog{
		Slot:        entry.slot,
		DirtyBitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	if err := getDirtyLog(p.vmFd, &log); err != nil {
		return nil, fmt.Errorf("%w: KVM_GET_DIRTY_LOG: %v", vm.ErrFailed, err)
	}
	return bitmap, nil
}

func (p *partition) NewProcessor(id int) (vm.Processor, error) {
	vcpuFd, err := createVCPU(p.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("%w: KVM_CREATE_VCPU %d: %v", vm.ErrResource, id, err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		p.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("%w: mmap vCPU %d run structure: %v", vm.ErrResource, id, err)
	}

	if err := p.applyCPUID(vcpuFd); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, err
	}

	return &processor{part: p, id: id, fd: vcpuFd, run: run}, nil
}

// applyCPUID installs the host-supported CPUID table with the
// specification's per-leaf overrides applied. KVM requires an explicit
// table before the first KVM_RUN.
func (p *partition) applyCPUID(vcpuFd int) error {
	entries := make([]kvmCPUIDEntry2, len(p.backend.cpuidEntries))
	copy(entries, p.backend.cpuidEntries)

	for _, override := range p.spec.CPUIDResults {
		found := false
		for i := range entries {
			if entries[i].Function == override.Function && entries[i].Index == 0 {
				entries[i].Eax = override.EAX
				entries[i].Ebx = override.EBX
				entries[i].Ecx = override.ECX
				entries[i].Edx = override.EDX
				found = true
			}
		}
		if !found {
			entries = append(entries, kvmCPUIDEntry2{
				Function: override.Function,
				Eax:      override.EAX,
				Ebx:      override.EBX,
				Ecx:      override.ECX,
				Edx:      override.EDX,
			})
		}
	}

	if err := setVCPUID(vcpuFd, entries); err != nil {
		return fmt.Errorf("%w: KVM_SET_CPUID2: %v", vm.ErrResource, err)
	}
	return nil
}

func (p *partition) Close() error {
	if p.vmFd >= 0 {
		if err := unix.Close(p.vmFd); err != nil {
			return fmt.Errorf("close VM fd: %w", err)
		}
		p.vmFd = -1
	}
	return nil
}
