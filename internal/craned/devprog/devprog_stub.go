//go:build !linux

package devprog

import "github.com/crane-sched/craned/internal/craned/agenterr"

func (h *Host) AttachContainer(containerDir string, inode uint64) error {
	return agenterr.New(agenterr.SystemError).WithMessage("device filter program unsupported on this platform")
}

func (h *Host) releaseRefLocked() error { return nil }

func (h *Host) detachProgramLocked(containerDir string) {}

func (h *Host) mapUpdateLocked(inode uint64, major, minor int64) error { return nil }

func (h *Host) mapDeleteLocked(inode uint64, major, minor int64) error { return nil }
