// SPDX-License-Identifier: MIT

//go:build !windows

package procrun

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
