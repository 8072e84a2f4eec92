// SPDX-License-Identifier: MIT

//go:build windows

package procrun

import "syscall"

const createNoWindow = 0x08000000

// Child tool processes must never flash a console window.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}
