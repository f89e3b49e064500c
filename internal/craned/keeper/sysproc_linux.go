//go:build linux

package keeper

import "syscall"

// supervisorSysProcAttr runs each supervisor in its own session so that
// SIGINT delivered to the agent's process group does not also reach its
// supervisor children directly; the Job Manager tears them down
// cooperatively instead.
func supervisorSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
