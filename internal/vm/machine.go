package vm

import (
	"fmt"
	"log/slog"
	"sync"
)

// VirtualMachine owns one partition, its guest physical memory map and its
// virtual processors.
//
// Structural mutation (MapMemory, UnmapMemory, Close) is serialized by an
// internal lock but is not safe to call concurrently with in-flight Run
// calls on this VM's processors; callers drive each processor from a single
// owning goroutine and stop the run loops before reshaping the VM.
type VirtualMachine struct {
	platform *Platform
	part     Partition

	mu     sync.Mutex
	mem    memoryMap
	procs  []*VirtualProcessor
	closed bool
}

// initialize performs the two-phase setup: commit the memory map first,
// then create processors. Processors reference guest physical space at
// creation time, so the ordering is load bearing. Any failure tears down
// everything created so far.
func (m *VirtualMachine) initialize(spec Specifications) error {
	base := spec.MemoryBase

	ram, err := m.part.AllocateMemory(spec.MemorySize)
	if err != nil {
		return fmt.Errorf("%w: allocate guest memory: %w", ErrResource, err)
	}

	if err := m.mapLocked(base, ram, PermRWX); err != nil {
		ram.Close()
		return err
	}

	for i := 0; i < spec.Processors; i++ {
		proc, err := m.part.NewProcessor(i)
		if err != nil {
			m.teardownLocked()
			return fmt.Errorf("%w: create virtual processor %d: %w", ErrResource, i, err)
		}
		m.procs = append(m.procs, newVirtualProcessor(m, i, proc))
	}

	return nil
}

// Platform returns the owning platform.
func (m *VirtualMachine) Platform() *Platform { return m.platform }

// ProcessorCount returns the number of virtual processors.
func (m *VirtualMachine) ProcessorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// Processor returns the virtual processor with the given id.
func (m *VirtualMachine) Processor(id int) (*VirtualProcessor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.procs) {
		return nil, fmt.Errorf("no virtual processor %d", id)
	}
	return m.procs[id], nil
}

// AllocateMemory obtains host backing suitable for MapMemory from the
// backend's allocator.
func (m *VirtualMachine) AllocateMemory(size uint64) (HostMemory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: allocation size 0x%x is not page aligned", ErrInvalidSpecification, size)
	}
	mem, err := m.part.AllocateMemory(size)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate host memory: %w", ErrResource, err)
	}
	return mem, nil
}

// MapMemory maps host backing at a guest physical address. The range must
// be page aligned, inside the platform's address limits and must not
// overlap an existing mapping; on failure existing mappings are untouched.
func (m *VirtualMachine) MapMemory(gpa uint64, backing HostMemory, perms Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: virtual machine is destroyed", ErrInvalidState)
	}
	if perms&PermDirtyTrack != 0 && !m.platform.features.DirtyPageTracking {
		return fmt.Errorf("%w: dirty page tracking", ErrUnsupported)
	}
	return m.mapLocked(gpa, backing, perms)
}

func (m *VirtualMachine) mapLocked(gpa uint64, backing HostMemory, perms Permission) error {
	region := MemoryRegion{GPA: gpa, Size: backing.Size(), Perms: perms, backing: backing}

	// Record first so overlap and limit violations are rejected before the
	// native call; roll the record back if the native mapping fails.
	if err := m.mem.insert(region); err != nil {
		return err
	}
	if err := m.part.MapMemory(backing, gpa, perms); err != nil {
		m.mem.remove(gpa, region.Size)
		return fmt.Errorf("%w: map guest range [0x%x, 0x%x): %w", ErrResource, gpa, gpa+region.Size, err)
	}
	return nil
}

// UnmapMemory removes a mapping. The range must exactly match a prior
// MapMemory call, unless the platform supports partial unmapping, in which
// case any page-aligned sub-range of a single region is accepted.
func (m *VirtualMachine) UnmapMemory(gpa, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: virtual machine is destroyed", ErrInvalidState)
	}
	if !m.platform.features.MemoryUnmapping {
		return fmt.Errorf("%w: memory unmapping", ErrUnsupported)
	}
	if err := m.mem.validateRange(gpa, size); err != nil {
		return err
	}

	if region, ok := m.mem.lookup(gpa, size); ok {
		if err := m.part.UnmapMemory(gpa, size); err != nil {
			return fmt.Errorf("%w: unmap guest range [0x%x, 0x%x): %w", ErrResource, gpa, gpa+size, err)
		}
		m.mem.remove(gpa, size)
		region.backing.Close()
		return nil
	}

	if m.platform.features.PartialUnmapping {
		region, ok := m.mem.containing(gpa, size)
		if !ok {
			return fmt.Errorf("%w: range [0x%x, 0x%x) does not lie within a single mapping",
				ErrInvalidSpecification, gpa, gpa+size)
		}
		if err := m.part.UnmapMemory(gpa, size); err != nil {
			return fmt.Errorf("%w: unmap guest range [0x%x, 0x%x): %w", ErrResource, gpa, gpa+size, err)
		}
		m.mem.shrink(region, gpa, size)
		return nil
	}

	return fmt.Errorf("%w: range [0x%x, 0x%x) does not match a prior mapping",
		ErrInvalidSpecification, gpa, gpa+size)
}

// QueryDirtyPages returns a packed bitmap, one bit per page, of guest pages
// written since the previous query. Requires Features.DirtyPageTracking.
// Ranges narrower than a full region additionally require
// Features.PartialDirtyBitmap.
func (m *VirtualMachine) QueryDirtyPages(gpa, size uint64) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: virtual machine is destroyed", ErrInvalidState)
	}
	if !m.platform.features.DirtyPageTracking {
		return nil, fmt.Errorf("%w: dirty page tracking", ErrUnsupported)
	}
	if err := m.mem.validateRange(gpa, size); err != nil {
		return nil, err
	}
	if _, exact := m.mem.lookup(gpa, size); !exact {
		if !m.platform.features.PartialDirtyBitmap {
			return nil, fmt.Errorf("%w: partial dirty bitmap", ErrUnsupported)
		}
		if _, ok := m.mem.containing(gpa, size); !ok {
			return nil, fmt.Errorf("%w: range [0x%x, 0x%x) is not mapped", ErrInvalidSpecification, gpa, gpa+size)
		}
	}
	bitmap, err := m.part.QueryDirtyPages(gpa, size)
	if err != nil {
		return nil, fmt.Errorf("query dirty pages: %w", err)
	}
	return bitmap, nil
}

// MemoryRegions returns a copy of the current guest physical memory map.
func (m *VirtualMachine) MemoryRegions() []MemoryRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.snapshot()
}

// ReadAt copies guest memory at a guest physical offset. The range must lie
// within a single mapped region.
func (m *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	region, slice, err := m.sliceAt(off, len(p))
	if err != nil {
		return 0, err
	}
	_ = region
	return copy(p, slice), nil
}

// WriteAt copies into guest memory at a guest physical offset.
func (m *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	_, slice, err := m.sliceAt(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(slice, p), nil
}

func (m *VirtualMachine) sliceAt(off int64, length int) (MemoryRegion, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return MemoryRegion{}, nil, fmt.Errorf("negative guest physical offset %d", off)
	}
	region, ok := m.mem.regionAt(uint64(off))
	if !ok {
		return MemoryRegion{}, nil, fmt.Errorf("guest physical address 0x%x is not mapped", off)
	}
	start := uint64(off) - region.GPA
	end := start + uint64(length)
	if end > region.Size {
		return MemoryRegion{}, nil, fmt.Errorf("range [0x%x, 0x%x) crosses the end of its mapping", off, uint64(off)+uint64(length))
	}
	return region, region.backing.Slice()[start:end], nil
}

// Close tears the VM down in reverse creation order: processors first, then
// memory mappings, then the partition handle.
func (m *VirtualMachine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	err := m.teardownLocked()
	m.mu.Unlock()

	m.platform.forget(m)
	return err
}

func (m *VirtualMachine) teardownLocked() error {
	var firstErr error

	for i := len(m.procs) - 1; i >= 0; i-- {
		if err := m.procs[i].close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy virtual processor %d: %w", m.procs[i].id, err)
		}
	}
	m.procs = nil

	for _, region := range m.mem.snapshot() {
		if err := m.part.UnmapMemory(region.GPA, region.Size); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("unmap guest range [0x%x, 0x%x): %w", region.GPA, region.end(), err)
			} else {
				slog.Warn("unmap guest range during teardown", "gpa", region.GPA, "err", err)
			}
		}
		m.mem.remove(region.GPA, region.Size)
		region.backing.Close()
	}

	if err := m.part.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("release partition: %w", err)
	}
	return firstErr
}
