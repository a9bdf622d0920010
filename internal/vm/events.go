package vm

// InterruptKind selects the delivery class of an injected interrupt.
type InterruptKind int

const (
	InterruptFixed InterruptKind = iota
	InterruptNMI
	InterruptSMI
	InterruptInit
	InterruptSIPI
)

// InterruptEvent is an interrupt queued for injection into a processor. It
// is applied immediately before the next Run call on that processor.
type InterruptEvent struct {
	Kind   InterruptKind
	Vector uint32
	// Level requests level-triggered delivery; the default is edge.
	Level bool
}

// ExceptionEvent is a CPU exception queued for injection into a processor.
type ExceptionEvent struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	// Parameter carries vector-specific data, such as the faulting address
	// of a page fault.
	Parameter uint64
}
