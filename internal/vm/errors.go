package vm

import "errors"

var (
	// ErrUnavailable reports that the host environment lacks the hypervisor
	// backend (service not present, privilege missing, or module not
	// loadable). It is an expected outcome, not a fault.
	ErrUnavailable = errors.New("hypervisor backend unavailable")

	// ErrFailed reports that the backend is present but a capability probe
	// or native call failed.
	ErrFailed = errors.New("hypervisor backend failed")

	// ErrInvalidSpecification reports a VM specification outside the limits
	// advertised by the platform's Features.
	ErrInvalidSpecification = errors.New("invalid virtual machine specification")

	// ErrInvalidState reports an operation issued in the wrong lifecycle
	// state, such as mutating registers while a processor is running.
	ErrInvalidState = errors.New("operation invalid in current state")

	// ErrUnsupported reports an operation gated on a feature this backend
	// does not advertise.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrResource reports a native allocation or mapping failure after
	// validation already passed. Partial state is rolled back before this
	// is returned.
	ErrResource = errors.New("native resource failure")
)

// Status describes the outcome of platform initialization. It is terminal
// once set: a platform never transitions back to StatusUninitialized.
type Status int

const (
	StatusUninitialized Status = iota
	StatusOK
	StatusUnavailable
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Usable reports whether the platform may create virtual machines.
func (s Status) Usable() bool { return s == StatusOK }
