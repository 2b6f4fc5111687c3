//go:build !linux

package sandbox

import "syscall"

func vmmProcAttr() *syscall.SysProcAttr {
	return nil
}
