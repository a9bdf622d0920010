package vm

import (
	"fmt"
	"sort"
)

// PageSize is the guest page granularity every mapping must respect.
const PageSize = 0x1000

// Permission is a bitset of guest access rights on a memory region.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute

	// PermDirtyTrack requests dirty page tracking on the region. Only
	// valid on platforms advertising Features.DirtyPageTracking.
	PermDirtyTrack

	PermRWX = PermRead | PermWrite | PermExecute
)

func (p Permission) String() string {
	buf := []byte("---")
	if p&PermRead != 0 {
		buf[0] = 'r'
	}
	if p&PermWrite != 0 {
		buf[1] = 'w'
	}
	if p&PermExecute != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// MemoryRegion records one guest physical mapping.
type MemoryRegion struct {
	GPA   uint64
	Size  uint64
	Perms Permission

	backing HostMemory
}

// Backing returns the host memory behind the region.
func (r MemoryRegion) Backing() HostMemory { return r.backing }

func (r MemoryRegion) end() uint64 { return r.GPA + r.Size }

func (r MemoryRegion) overlaps(gpa, size uint64) bool {
	return gpa < r.end() && r.GPA < gpa+size
}

// memoryMap tracks the guest physical address space of one VM: which ranges
// are mapped, their host backing and their permissions. Regions are kept
// sorted by base address and never overlap.
type memoryMap struct {
	limits  GuestPhysicalAddressLimits
	regions []MemoryRegion
}

func (m *memoryMap) validateRange(gpa, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-size range", ErrInvalidSpecification)
	}
	if gpa%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("%w: range [0x%x, 0x%x) is not page aligned",
			ErrInvalidSpecification, gpa, gpa+size)
	}
	end := gpa + size
	if end < gpa {
		return fmt.Errorf("%w: range [0x%x, +0x%x) wraps the address space",
			ErrInvalidSpecification, gpa, size)
	}
	if max := m.limits.MaxAddress; max != 0 && end-1 > max {
		return fmt.Errorf("%w: range [0x%x, 0x%x) exceeds guest physical address limit 0x%x",
			ErrInvalidSpecification, gpa, end, max)
	}
	return nil
}

// insert records a new region. The caller must have mapped it natively
// first; insert only fails on overlap or malformed ranges, in which case
// existing regions are untouched.
func (m *memoryMap) insert(region MemoryRegion) error {
	if err := m.validateRange(region.GPA, region.Size); err != nil {
		return err
	}
	for _, existing := range m.regions {
		if existing.overlaps(region.GPA, region.Size) {
			return fmt.Errorf("%w: range [0x%x, 0x%x) overlaps existing mapping [0x%x, 0x%x)",
				ErrInvalidSpecification, region.GPA, region.end(), existing.GPA, existing.end())
		}
	}
	m.regions = append(m.regions, region)
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].GPA < m.regions[j].GPA
	})
	return nil
}

// lookup finds the region matching the exact range.
func (m *memoryMap) lookup(gpa, size uint64) (MemoryRegion, bool) {
	for _, region := range m.regions {
		if region.GPA == gpa && region.Size == size {
			return region, true
		}
	}
	return MemoryRegion{}, false
}

// containing finds the region covering a sub-range, for partial unmapping.
func (m *memoryMap) containing(gpa, size uint64) (MemoryRegion, bool) {
	for _, region := range m.regions {
		if gpa >= region.GPA && gpa+size <= region.end() {
			return region, true
		}
	}
	return MemoryRegion{}, false
}

// regionAt finds the region covering a single address.
func (m *memoryMap) regionAt(gpa uint64) (MemoryRegion, bool) {
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end() > gpa
	})
	if idx < len(m.regions) && m.regions[idx].GPA <= gpa {
		return m.regions[idx], true
	}
	return MemoryRegion{}, false
}

// remove drops the exact region from the map.
func (m *memoryMap) remove(gpa, size uint64) {
	for i, region := range m.regions {
		if region.GPA == gpa && region.Size == size {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// shrink splits a region around an unmapped sub-range, keeping the backing
// alive on the remaining pieces.
func (m *memoryMap) shrink(region MemoryRegion, gpa, size uint64) {
	m.remove(region.GPA, region.Size)
	if gpa > region.GPA {
		m.regions = append(m.regions, MemoryRegion{
			GPA:     region.GPA,
			Size:    gpa - region.GPA,
			Perms:   region.Perms,
			backing: region.backing,
		})
	}
	if gpa+size < region.end() {
		m.regions = append(m.regions, MemoryRegion{
			GPA:     gpa + size,
			Size:    region.end() - (gpa + size),
			Perms:   region.Perms,
			backing: region.backing,
		})
	}
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].GPA < m.regions[j].GPA
	})
}

func (m *memoryMap) snapshot() []MemoryRegion {
	out := make([]MemoryRegion, len(m.regions))
	copy(out, m.regions)
	return out
}
