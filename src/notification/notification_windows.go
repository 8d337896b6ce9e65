//go:build windows

package notification

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	mbOK            = 0x00000000
	mbIconError     = 0x00000010
	mbIconWarning   = 0x00000030
	mbSetForeground = 0x00010000
	mbTopMost       = 0x00040000
)

var (
	user32          = windows.NewLazySystemDLL("user32.dll")
	procMessageBoxW = user32.NewProc("MessageBoxW")
)

func showMessageBox(title, message string, lvl level) error {
	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return err
	}
	messagePtr, err := windows.UTF16PtrFromString(message)
	if err != nil {
		return err
	}
	flags := uintptr(mbOK | mbSetForeground | mbTopMost | mbIconWarning)
	if lvl == levelError {
		flags = uintptr(mbOK | mbSetForeground | mbTopMost | mbIconError)
	}
	ret, _, callErr := procMessageBoxW.Call(
		0, // no owner window
		uintptr(unsafe.Pointer(messagePtr)),
		uintptr(unsafe.Pointer(titlePtr)),
		flags,
	)
	if ret == 0 {
		return callErr
	}
	return nil
}
