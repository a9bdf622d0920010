package vm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CPUIDResult overrides the hypervisor's answer for one CPUID leaf. Only
// honored on platforms advertising Features.CustomCPUIDs.
type CPUIDResult struct {
	Function uint32 `yaml:"function"`
	EAX      uint32 `yaml:"eax"`
	EBX      uint32 `yaml:"ebx"`
	ECX      uint32 `yaml:"ecx"`
	EDX      uint32 `yaml:"edx"`
}

// Specifications describes the virtual machine a caller wants. It is
// validated against the platform's Features before any native resource is
// allocated.
type Specifications struct {
	Processors int    `yaml:"processors"`
	MemorySize uint64 `yaml:"memorySize"`
	MemoryBase uint64 `yaml:"memoryBase,omitempty"`

	// ExtendedVMExits selects optional exit classes to enable on the
	// partition. Requested exits the platform does not support are an
	// invalid specification.
	ExtendedVMExits ExtendedVMExit `yaml:"extendedVMExits,omitempty"`

	// ExceptionExits selects which guest exceptions cause exits when
	// ExtendedExitException is requested.
	ExceptionExits ExceptionCode `yaml:"-"`

	CPUIDResults []CPUIDResult `yaml:"cpuidResults,omitempty"`
}

// Validate checks the specification against a platform's feature snapshot.
// All failures wrap ErrInvalidSpecification.
func (s Specifications) Validate(f Features) error {
	if s.Processors <= 0 {
		return fmt.Errorf("%w: processor count %d must be positive", ErrInvalidSpecification, s.Processors)
	}
	if f.MaxProcessorsPerVM > 0 && s.Processors > f.MaxProcessorsPerVM {
		return fmt.Errorf("%w: %d processors exceeds platform limit of %d",
			ErrInvalidSpecification, s.Processors, f.MaxProcessorsPerVM)
	}
	if s.MemorySize == 0 {
		return fmt.Errorf("%w: memory size must be greater than 0", ErrInvalidSpecification)
	}
	if s.MemorySize%PageSize != 0 {
		return fmt.Errorf("%w: memory size 0x%x is not page aligned", ErrInvalidSpecification, s.MemorySize)
	}
	if s.MemoryBase%PageSize != 0 {
		return fmt.Errorf("%w: memory base 0x%x is not page aligned", ErrInvalidSpecification, s.MemoryBase)
	}
	if max := f.GuestPhysicalAddress.MaxAddress; max != 0 {
		end := s.MemoryBase + s.MemorySize
		if end < s.MemoryBase || end-1 > max {
			return fmt.Errorf("%w: memory range [0x%x, 0x%x) exceeds guest physical address limit 0x%x",
				ErrInvalidSpecification, s.MemoryBase, end, max)
		}
	}
	if unsupported := s.ExtendedVMExits &^ f.ExtendedVMExits; unsupported != 0 {
		return fmt.Errorf("%w: requested extended VM exits 0x%x not supported by platform",
			ErrInvalidSpecification, uint32(unsupported))
	}
	if s.ExceptionExits != 0 && !s.ExtendedVMExits.Has(ExtendedExitException) {
		return fmt.Errorf("%w: exception exit bitmap set without requesting exception exits",
			ErrInvalidSpecification)
	}
	if unsupported := s.ExceptionExits &^ f.ExceptionExits; unsupported != 0 {
		return fmt.Errorf("%w: requested exception exits 0x%x not supported by platform",
			ErrInvalidSpecification, uint32(unsupported))
	}
	if len(s.CPUIDResults) > 0 && !f.CustomCPUIDs {
		return fmt.Errorf("%w: custom CPUID results not supported by platform", ErrInvalidSpecification)
	}
	return nil
}

// LoadSpecifications reads a YAML specification file.
func LoadSpecifications(path string) (Specifications, error) {
	var spec Specifications
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read specification: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse specification: %w", err)
	}
	return spec, nil
}
