//go:build windows && amd64

package whpx

import (
	"fmt"

	"github.com/virtm/virtm/internal/vm"
	"github.com/virtm/virtm/internal/vm/whpx/bindings"
)

type partition struct {
	handle bindings.PartitionHandle
}

type hostMemory struct {
	alloc *bindings.Allocation
}

func (m *hostMemory) Slice() []byte { return m.alloc.Slice() }
func (m *hostMemory) Size() uint64  { return m.alloc.Size() }

func (m *hostMemory) Close() error {
	return bindings.VirtualFree(m.alloc, bindings.MEM_RELEASE)
}

func (p *partition) AllocateMemory(size uint64) (vm.HostMemory, error) {
	alloc, err := bindings.VirtualAlloc(
		0,
		uintptr(size),
		bindings.MEM_RESERVE|bindings.MEM_COMMIT,
		bindings.PAGE_EXECUTE_READWRITE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: VirtualAlloc %d bytes: %v", vm.ErrResource, size, err)
	}
	return &hostMemory{alloc: alloc}, nil
}

func (p *partition) MapMemory(mem vm.HostMemory, gpa uint64, perms vm.Permission) error {
	host, ok := mem.(*hostMemory)
	if !ok {
		return fmt.Errorf("%w: memory was not allocated by this backend", vm.ErrInvalidState)
	}

	var flags bindings.MapGPARangeFlags
	if perms&vm.PermRead != 0 {
		flags |= bindings.MapGPARangeFlagRead
	}
	if perms&vm.PermWrite != 0 {
		flags |= bindings.MapGPARangeFlagWrite
	}
	if perms&vm.PermExecute != 0 {
		flags |= bindings.MapGPARangeFlagExecute
	}
	if perms&vm.PermDirtyTrack != 0 {
		flags |= bindings.MapGPARangeFlagTrackDirtyPages
	}

	if err := bindings.MapGPARange(
		p.handle,
		host.alloc.Pointer(),
		bindings.GuestPhysicalAddress(gpa),
		host.alloc.Size(),
		flags,
	); err != nil {
		return fmt.Errorf("%w: WHvMapGpaRange at 0x%x: %v", vm.ErrResource, gpa, err)
	}
	return nil
}

func (p *partition) UnmapMemory(gpa, size uint64) error {
	if err := bindings.UnmapGPARange(p.handle, bindings.GuestPhysicalAddress(gpa), size); err != nil {
		return fmt.Errorf("%w: WHvUnmapGpaRange at 0x%x: %v", vm.ErrResource, gpa, err)
	}
	return nil
}

func (p *partition) QueryDirtyPages(gpa, size uint64) ([]uint64, error) {
	pages := size / vm.PageSize
	bitmap := make([]uint64, (pages+63)/64)
	if err := bindings.QueryGPARangeDirtyBitmap(
		p.handle,
		bindings.GuestPhysicalAddress(gpa),
		size,
		bitmap,
	); err != nil {
		return nil, fmt.Errorf("%w: WHvQueryGpaRangeDirtyBitmap at 0x%x: %v", vm.ErrResource, gpa, err)
	}
	return bitmap, nil
}

func (p *partition) NewProcessor(id int) (vm.Processor, error) {
	if err := bindings.CreateVirtualProcessor(p.handle, uint32(id), 0); err != nil {
		return nil, fmt.Errorf("%w: WHvCreateVirtualProcessor %d: %v", vm.ErrResource, id, err)
	}
	return &processor{part: p, id: uint32(id)}, nil
}

func (p *partition) Close() error {
	if err := bindings.DeletePartition(p.handle); err != nil {
		return fmt.Errorf("%w: WHvDeletePartition: %v", vm.ErrResource, err)
	}
	return nil
}
