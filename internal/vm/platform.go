package vm

import (
	"fmt"
	"log/slog"
	"sync"
)

// Platform wraps one probed hypervisor backend. Instances are created
// through the registry (Lookup), which guarantees each backend is probed
// exactly once per process.
//
// A Platform is safe for concurrent read access after construction; the
// tracked VM set is internally synchronized. Structural operations on a VM
// (CreateVM, Close, map/unmap) must not race with in-flight Run calls on
// that VM's processors.
type Platform struct {
	backend  Backend
	status   Status
	version  VersionInfo
	features Features
	probeErr error

	mu     sync.Mutex
	vms    map[*VirtualMachine]struct{}
	closed bool
}

// NewPlatform probes a backend and wraps it in a Platform. Most callers
// should go through Lookup, which caches one Platform per backend kind;
// NewPlatform exists for tests and for embedders supplying their own
// Backend implementation.
func NewPlatform(backend Backend) *Platform {
	p := &Platform{
		backend: backend,
		vms:     make(map[*VirtualMachine]struct{}),
	}

	report := backend.Probe()
	p.status = report.Status
	p.version = report.Version
	p.features = report.Features
	p.probeErr = report.Err

	switch p.status {
	case StatusOK:
		slog.Debug("hypervisor platform probed",
			"kind", backend.Kind(),
			"version", p.version.String(),
			"maxProcessorsPerVM", p.features.MaxProcessorsPerVM,
			"gpaBits", p.features.GuestPhysicalAddress.MaxBits)
	case StatusUnavailable:
		slog.Debug("hypervisor platform unavailable", "kind", backend.Kind())
	default:
		slog.Warn("hypervisor platform probing failed",
			"kind", backend.Kind(), "err", report.Err)
	}

	return p
}

// Kind returns the backend kind this platform adapts.
func (p *Platform) Kind() Kind { return p.backend.Kind() }

// Status returns the terminal initialization status.
func (p *Platform) Status() Status { return p.status }

// Version returns the probed backend version.
func (p *Platform) Version() VersionInfo { return p.version }

// Features returns the capability snapshot taken at probe time.
func (p *Platform) Features() Features { return p.features }

// ProbeError returns the first error recorded during probing, for
// diagnostics. It is non-nil only when Status is not OK.
func (p *Platform) ProbeError() error { return p.probeErr }

// CreateVM validates the specification, creates a partition and runs the
// two-phase VM initialization: memory first, then processors. On any
// failure the partial VM is fully torn down and no VM is returned.
func (p *Platform) CreateVM(spec Specifications) (*VirtualMachine, error) {
	switch p.status {
	case StatusUnavailable:
		return nil, fmt.Errorf("%w: %s backend not present on this host", ErrUnavailable, p.backend.Kind())
	case StatusFailed, StatusUninitialized:
		return nil, fmt.Errorf("%w: %s platform is not usable (status %s)", ErrFailed, p.backend.Kind(), p.status)
	}

	if err := spec.Validate(p.features); err != nil {
		return nil, err
	}

	part, err := p.backend.NewPartition(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create partition: %w", ErrResource, err)
	}

	machine := &VirtualMachine{
		platform: p,
		part:     part,
		mem:      memoryMap{limits: p.features.GuestPhysicalAddress},
	}
	if err := machine.initialize(spec); err != nil {
		// initialize rolled back its own partial effects; the partition
		// handle is still ours to release.
		if cerr := part.Close(); cerr != nil {
			slog.Warn("release partition after failed initialize", "err", cerr)
		}
		return nil, err
	}

	p.mu.Lock()
	p.vms[machine] = struct{}{}
	p.mu.Unlock()

	return machine, nil
}

// DestroyVMs force-destroys every VM this platform still tracks. Used at
// teardown so partition handles cannot leak regardless of caller behavior.
func (p *Platform) DestroyVMs() {
	p.mu.Lock()
	tracked := make([]*VirtualMachine, 0, len(p.vms))
	for machine := range p.vms {
		tracked = append(tracked, machine)
	}
	p.mu.Unlock()

	for _, machine := range tracked {
		if err := machine.Close(); err != nil {
			slog.Warn("force destroy VM", "kind", p.backend.Kind(), "err", err)
		}
	}
}

func (p *Platform) forget(machine *VirtualMachine) {
	p.mu.Lock()
	delete(p.vms, machine)
	p.mu.Unlock()
}

// Close destroys all tracked VMs and then releases the backend dispatch
// table. VM teardown needs the dispatch entry points, so the order is
// fixed.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.status == StatusOK {
		p.DestroyVMs()
	}
	return p.backend.Close()
}
