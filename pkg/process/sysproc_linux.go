//go:build linux

package process

import "syscall"

// Children get their own process group so signals reach their whole tree,
// and are killed if we die first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
