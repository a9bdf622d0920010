//go:build windows && amd64

package bindings

import (
	"runtime"
	"syscall"
	"unsafe"
)

const (
	PAGE_SIZE = 0x1000

	MEM_COMMIT  = 0x1000
	MEM_RESERVE = 0x2000
	MEM_RELEASE = 0x8000

	PAGE_READWRITE         = 0x04
	PAGE_EXECUTE_READWRITE = 0x40
)

var (
	kernel32DLL      = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc = kernel32DLL.NewProc("VirtualAlloc")
	procVirtualFree  = kernel32DLL.NewProc("VirtualFree")
)

// Allocation is a page-aligned host buffer suitable for WHvMapGpaRange.
// The address is held as a uintptr so the GC never scans the foreign
// memory; it is released automatically if the owner forgets to.
type Allocation struct {
	addr    uintptr
	size    uintptr
	cleanup runtime.Cleanup
}

func (a *Allocation) Pointer() unsafe.Pointer {
	return unsafe.Pointer(a.addr)
}

// Slice returns a byte slice backing the memory.
func (a *Allocation) Slice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a.addr)), int(a.size))
}

func (a *Allocation) Size() uint64 {
	return uint64(a.size)
}

// releaseMem takes the raw address rather than *Allocation so the cleanup
// does not resurrect the object.
func releaseMem(addr uintptr) {
	// MEM_RELEASE requires dwSize 0.
	procVirtualFree.Call(addr, 0, MEM_RELEASE)
}

// VirtualAlloc allocates memory via WinAPI.
func VirtualAlloc(addr uintptr, size uintptr, allocType uint32, protect uint32) (*Allocation, error) {
	ptr, _, err := procVirtualAlloc.Call(addr, size, uintptr(allocType), uintptr(protect))
	if ptr == 0 {
		if err == syscall.Errno(0) {
			err = syscall.GetLastError()
		}
		return nil, err
	}

	alloc := &Allocation{
		addr: ptr,
		size: size,
	}
	alloc.cleanup = runtime.AddCleanup(alloc, releaseMem, ptr)

	return alloc, nil
}

// VirtualFree frees memory allocated with VirtualAlloc. It stops the
// automatic cleanup so the address is never released twice.
func VirtualFree(alloc *Allocation, freeType uint32) error {
	if freeType == MEM_RELEASE {
		alloc.cleanup.Stop()
	}

	sizeArg := uintptr(0)
	if freeType != MEM_RELEASE {
		sizeArg = alloc.size
	}

	r1, _, err := procVirtualFree.Call(alloc.addr, sizeArg, uintptr(freeType))
	if r1 == 0 {
		if err == syscall.Errno(0) {
			err = syscall.GetLastError()
		}
		return err
	}
	return nil
}
