package sandbox

import "syscall"

// vmmProcAttr kills the VMM if the runner dies first
func vmmProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
