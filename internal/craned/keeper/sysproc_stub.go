//go:build !linux

package keeper

import "syscall"

func supervisorSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
