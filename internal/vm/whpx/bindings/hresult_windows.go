//go:build windows && amd64

package bindings

import (
	"errors"
	"fmt"
	"syscall"
)

// HRESULT is a Windows status code returned by the WinHv APIs.
type HRESULT int32

func (hr HRESULT) Failed() bool    { return hr < 0 }
func (hr HRESULT) Succeeded() bool { return hr >= 0 }

// Err converts the HRESULT into a Go error, nil on success.
func (hr HRESULT) Err() error {
	if hr.Succeeded() {
		return nil
	}
	return HRESULTError(hr)
}

// HRESULTError wraps a failing HRESULT value.
type HRESULTError HRESULT

func (e HRESULTError) Error() string {
	return fmt.Sprintf("HRESULT 0x%08X: %s", uint32(e), syscall.Errno(e).Error())
}

// AsHRESULT extracts an HRESULT from an error chain.
func AsHRESULT(err error) (HRESULT, bool) {
	var hErr HRESULTError
	if errors.As(err, &hErr) {
		return HRESULT(hErr), true
	}
	return 0, false
}

// Status codes the probe sequence cares about.
const (
	HResultVirtualizationDisabled = HRESULT(-0x7FC8FEFE) // WHV_E_VIRTUALIZATION_DISABLED (0x80370102)
	HResultUnknownCapability      = HRESULT(-0x7FC8FD00) // WHV_E_UNKNOWN_CAPABILITY (0x80370300)
)
