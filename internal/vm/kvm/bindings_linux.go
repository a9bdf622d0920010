//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(request uint64) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), request, 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getAPIVersion   = ioctlInt(kvmGetAPIVersion)
	createVM        = ioctlInt(kvmCreateVM)
	getVCPUMmapSize = ioctlInt(kvmGetVCPUMmapSize)
)

func checkExtension(fd int, cap uintptr) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, cap)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func createVCPU(vmFd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(vmFd), kvmCreateVCPUIoctl, uintptr(id))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetTSSAddr, uintptr(addr))
	return err
}

func getDirtyLog(vmFd int, log *kvmDirtyLog) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmGetDirtyLog, uintptr(unsafe.Pointer(log)))
	return err
}

func enableCap(fd int, args *kvmEnableCapArgs) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmEnableCap, uintptr(unsafe.Pointer(args)))
	return err
}

func getSupportedCPUID(hvFd int) (*kvmCPUID2, []kvmCPUIDEntry2, error) {
	const maxEntries = 255

	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*maxEntries
	buf := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&buf[0]))
	cpuid.Nr = maxEntries

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid))); err != nil {
		return nil, nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	entries := unsafe.Slice(
		(*kvmCPUIDEntry2)(unsafe.Pointer(&buf[unsafe.Sizeof(kvmCPUID2{})])),
		cpuid.Nr,
	)
	return cpuid, entries, nil
}

func setVCPUID(vcpuFd int, entries []kvmCPUIDEntry2) error {
	headerSize := unsafe.Sizeof(kvmCPUID2{})
	buf := make([]byte, headerSize+unsafe.Sizeof(kvmCPUIDEntry2{})*uintptr(len(entries)))
	header := (*kvmCPUID2)(unsafe.Pointer(&buf[0]))
	header.Nr = uint32(len(entries))
	dst := unsafe.Slice((*kvmCPUIDEntry2)(unsafe.Pointer(&buf[headerSize])), len(entries))
	copy(dst, entries)

	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetCPUID2, uintptr(unsafe.Pointer(header)))
	return err
}

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

func getFPU(vcpuFd int) (kvmFPU, error) {
	var fpu kvmFPU
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetFpu, uintptr(unsafe.Pointer(&fpu))); err != nil {
		return kvmFPU{}, err
	}
	return fpu, nil
}

func setFPU(vcpuFd int, fpu *kvmFPU) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetFpu, uintptr(unsafe.Pointer(fpu)))
	return err
}

func getXcrs(vcpuFd int) (kvmXcrs, error) {
	var xcrs kvmXcrs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetXcrs, uintptr(unsafe.Pointer(&xcrs))); err != nil {
		return kvmXcrs{}, err
	}
	return xcrs, nil
}

func setXcrs(vcpuFd int, xcrs *kvmXcrs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetXcrs, uintptr(unsafe.Pointer(xcrs)))
	return err
}

// getMSRs and setMSRs operate on a packed kvm_msrs buffer, a header
// immediately followed by the entry array.
func getMSRs(vcpuFd int, entries []kvmMsrEntry) error {
	buf := packMsrBuffer(entries)
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetMsrs, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return err
	}
	out := unsafe.Slice(
		(*kvmMsrEntry)(unsafe.Pointer(&buf[unsafe.Sizeof(kvmMsrs{})])),
		len(entries),
	)
	copy(entries, out)
	return nil
}

func setMSRs(vcpuFd int, entries []kvmMsrEntry) error {
	buf := packMsrBuffer(entries)
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetMsrs, uintptr(unsafe.Pointer(&buf[0])))
	return err
}

func packMsrBuffer(entries []kvmMsrEntry) []byte {
	headerSize := unsafe.Sizeof(kvmMsrs{})
	buf := make([]byte, headerSize+unsafe.Sizeof(kvmMsrEntry{})*uintptr(len(entries)))
	header := (*kvmMsrs)(unsafe.Pointer(&buf[0]))
	header.Nmsrs = uint32(len(entries))
	dst := unsafe.Slice((*kvmMsrEntry)(unsafe.Pointer(&buf[headerSize])), len(entries))
	copy(dst, entries)
	return buf
}

func getVCPUEvents(vcpuFd int) (kvmVCPUEvents, error) {
	var events kvmVCPUEvents
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetVCPUEvents, uintptr(unsafe.Pointer(&events))); err != nil {
		return kvmVCPUEvents{}, err
	}
	return events, nil
}

func setVCPUEvents(vcpuFd int, events *kvmVCPUEvents) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetVCPUEvents, uintptr(unsafe.Pointer(events)))
	return err
}

func injectInterrupt(vcpuFd int, vector uint32) error {
	arg := kvmInterruptArg{IRQ: vector}
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmInterrupt, uintptr(unsafe.Pointer(&arg)))
	return err
}

func injectNMI(vcpuFd int) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmNMI, 0)
	return err
}

func injectSMI(vcpuFd int) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSMI, 0)
	return err
}
