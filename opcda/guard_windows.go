//go:build windows

package opcda

import (
	"errors"

	"github.com/go-ole/go-ole"
)

func init() {
	sessionInit = func() error {
		err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED)
		if err == nil {
			return nil
		}
		// Already-initialized comes back as a success HRESULT wrapped in
		// an OleError; treat it as an acquire.
		var oe *ole.OleError
		if errors.As(err, &oe) && oe.Code() == uintptr(1) { // S_FALSE
			return nil
		}
		return err
	}
	sessionTeardown = func() {
		ole.CoUninitialize()
	}
}
