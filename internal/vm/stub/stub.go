// Package stub is an in-process hypervisor backend used to test the shared
// abstraction layer. It fakes no guest execution: Run returns scripted exit
// records, memory is plain host allocations and every native call is
// appended to an ordered trace so tests can assert lifecycle ordering.
package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/virtm/virtm/internal/vm"
)

// Options configure the stub's advertised capabilities and probe outcome.
type Options struct {
	Status   vm.Status
	Version  vm.VersionInfo
	Features vm.Features
	ProbeErr error
}

// DefaultFeatures returns a capability snapshot with everything enabled and
// small, test-friendly limits.
func DefaultFeatures() vm.Features {
	return vm.Features{
		FloatingPointExtensions:  vm.FloatingPointSSE | vm.FloatingPointSSE2,
		ExtendedControlRegisters: vm.ExtendedControlCR8 | vm.ExtendedControlMXCSRMask | vm.ExtendedControlXCR0,
		MaxProcessorsPerVM:       8,
		MaxProcessorsGlobal:      64,
		GuestPhysicalAddress:     vm.GuestPhysicalAddressLimitsForBits(36),
		UnrestrictedGuest:        true,
		ExtendedPageTables:       true,
		LargeMemoryAllocation:    true,
		CustomCPUIDs:             true,
		DirtyPageTracking:        true,
		PartialDirtyBitmap:       true,
		PartialUnmapping:         true,
		MemoryAliasing:           true,
		MemoryUnmapping:          true,
		ExtendedVMExits: vm.ExtendedExitCPUID | vm.ExtendedExitMSRAccess |
			vm.ExtendedExitException | vm.ExtendedExitTSCAccess |
			vm.ExtendedExitAPICSMI | vm.ExtendedExitHypercall,
		ExceptionExits: vm.ExceptionBreakpoint | vm.ExceptionPageFault |
			vm.ExceptionGeneralProtection | vm.ExceptionInvalidOpcode,
	}
}

// Backend implements vm.Backend. The zero value is not usable; create
// instances with New.
type Backend struct {
	opts Options

	mu    sync.Mutex
	trace []string
	parts []*partition
	open  int
}

// New returns a stub backend that probes successfully with DefaultFeatures.
func New() *Backend {
	return NewWithOptions(Options{
		Status:   vm.StatusOK,
		Version:  vm.VersionInfo{Major: 1, Minor: 0},
		Features: DefaultFeatures(),
	})
}

// NewWithOptions returns a stub backend with a fixed probe outcome.
func NewWithOptions(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) record(format string, args ...any) {
	b.mu.Lock()
	b.trace = append(b.trace, fmt.Sprintf(format, args...))
	b.mu.Unlock()
}

// Trace returns the ordered list of native calls observed so far.
func (b *Backend) Trace() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.trace))
	copy(out, b.trace)
	return out
}

// Kind implements vm.Backend.
func (b *Backend) Kind() vm.Kind { return vm.KindStub }

// Probe implements vm.Backend.
func (b *Backend) Probe() vm.ProbeReport {
	b.record("probe")
	return vm.ProbeReport{
		Status:   b.opts.Status,
		Version:  b.opts.Version,
		Features: b.opts.Features,
		Err:      b.opts.ProbeErr,
	}
}

// NewPartition implements vm.Backend.
func (b *Backend) NewPartition(spec vm.Specifications) (vm.Partition, error) {
	b.mu.Lock()
	id := len(b.parts) + 1
	part := &partition{
		backend: b,
		id:      id,
		dirty:   make(map[uint64]bool),
		procs:   make(map[int]*processor),
	}
	b.parts = append(b.parts, part)
	b.open++
	b.mu.Unlock()
	b.record("create partition %d", id)
	return part, nil
}

// LastPartition returns the most recently created partition, giving tests
// access to the simulation hooks.
func (b *Backend) LastPartition() *partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.parts) == 0 {
		return nil
	}
	return b.parts[len(b.parts)-1]
}

// Close implements vm.Backend.
func (b *Backend) Close() error {
	b.record("release dispatch table")
	return nil
}

// OpenPartitions reports how many partitions are currently alive, for leak
// assertions.
func (b *Backend) OpenPartitions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

type hostMemory struct {
	buf []byte
}

func (h *hostMemory) Slice() []byte { return h.buf }
func (h *hostMemory) Size() uint64  { return uint64(len(h.buf)) }
func (h *hostMemory) Close() error  { return nil }

type partition struct {
	backend *Backend
	id      int

	mu    sync.Mutex
	dirty map[uint64]bool // page base -> written since last query
	procs map[int]*processor
}

// Proc returns the native processor with the given id, or nil.
func (p *partition) Proc(id int) *processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs[id]
}

func (p *partition) AllocateMemory(size uint64) (vm.HostMemory, error) {
	p.backend.record("allocate 0x%x", size)
	return &hostMemory{buf: make([]byte, size)}, nil
}

func (p *partition) MapMemory(mem vm.HostMemory, gpa uint64, perms vm.Permission) error {
	p.backend.record("map [0x%x, 0x%x) %s", gpa, gpa+mem.Size(), perms)
	return nil
}

func (p *partition) UnmapMemory(gpa, size uint64) error {
	p.backend.record("unmap [0x%x, 0x%x)", gpa, gpa+size)
	return nil
}

// MarkDirty simulates a guest write for dirty bitmap tests.
func (p *partition) MarkDirty(gpa uint64) {
	p.mu.Lock()
	p.dirty[gpa&^uint64(vm.PageSize-1)] = true
	p.mu.Unlock()
}

func (p *partition) QueryDirtyPages(gpa, size uint64) ([]uint64, error) {
	p.backend.record("query dirty [0x%x, 0x%x)", gpa, gpa+size)
	pages := size / vm.PageSize
	bitmap := make([]uint64, (pages+63)/64)
	p.mu.Lock()
	for i := uint64(0); i < pages; i++ {
		page := gpa + i*vm.PageSize
		if p.dirty[page] {
			bitmap[i/64] |= 1 << (i % 64)
			delete(p.dirty, page)
		}
	}
	p.mu.Unlock()
	return bitmap, nil
}

func (p *partition) NewProcessor(id int) (vm.Processor, error) {
	p.backend.record("create processor %d", id)
	proc := &processor{backend: p.backend, part: p, id: id, regs: make(map[vm.Register]vm.RegisterValue)}
	p.mu.Lock()
	p.procs[id] = proc
	p.mu.Unlock()
	return proc, nil
}

func (p *partition) Close() error {
	p.backend.mu.Lock()
	p.backend.open--
	p.backend.mu.Unlock()
	p.backend.record("delete partition %d", p.id)
	return nil
}

type processor struct {
	backend *Backend
	part    *partition
	id      int

	// RunHook, when set, is called at the start of every Run. Tests use it
	// to hold a processor in the running state.
	RunHook func()

	mu        sync.Mutex
	regs      map[vm.Register]vm.RegisterValue
	exits     []*vm.ExitInfo
	injected  []any
	cancelled bool
}

// ScriptExit queues an exit record for a future Run call.
func (p *processor) ScriptExit(exit *vm.ExitInfo) {
	p.mu.Lock()
	p.exits = append(p.exits, exit)
	p.mu.Unlock()
}

// Injected returns the interrupt and exception events applied so far, in
// order.
func (p *processor) Injected() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.injected))
	copy(out, p.injected)
	return out
}

func (p *processor) Run(ctx context.Context) (*vm.ExitInfo, error) {
	p.backend.record("run processor %d", p.id)
	if p.RunHook != nil {
		p.RunHook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		p.cancelled = false
		return &vm.ExitInfo{Reason: vm.ExitCancelled}, nil
	}
	if len(p.exits) == 0 {
		return &vm.ExitInfo{Reason: vm.ExitNormal}, nil
	}
	exit := p.exits[0]
	p.exits = p.exits[1:]
	return exit, nil
}

func (p *processor) CancelRun() error {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	return nil
}

func (p *processor) Registers(regs map[vm.Register]vm.RegisterValue) error {
	p.backend.record("get registers %d", p.id)
	p.mu.Lock()
	defer p.mu.Unlock()
	for reg := range regs {
		if val, ok := p.regs[reg]; ok {
			regs[reg] = val
		} else {
			regs[reg] = vm.Register64(0)
		}
	}
	return nil
}

func (p *processor) SetRegisters(regs map[vm.Register]vm.RegisterValue) error {
	p.backend.record("set registers %d", p.id)
	p.mu.Lock()
	defer p.mu.Unlock()
	for reg, val := range regs {
		p.regs[reg] = val
	}
	return nil
}

func (p *processor) Interrupt(event vm.InterruptEvent) error {
	p.backend.record("interrupt %d vector %d", p.id, event.Vector)
	p.mu.Lock()
	p.injected = append(p.injected, event)
	p.mu.Unlock()
	return nil
}

func (p *processor) Exception(event vm.ExceptionEvent) error {
	p.backend.record("exception %d vector %d", p.id, event.Vector)
	p.mu.Lock()
	p.injected = append(p.injected, event)
	p.mu.Unlock()
	return nil
}

func (p *processor) Close() error {
	p.backend.record("delete processor %d", p.id)
	return nil
}

var (
	_ vm.Backend   = &Backend{}
	_ vm.Partition = &partition{}
	_ vm.Processor = &processor{}
)
