//go:build linux

package devprog

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/crane-sched/craned/internal/craned/agenterr"
)

// AttachContainer loads the shared device filter program (if this is the
// first live container) and attaches it, unmodified, to the container's
// cgroup directory. A loaded program is never recompiled per container;
// every container shares the same program fd and is disambiguated at
// runtime by the kernel's own notion of which cgroup the attach targets.
func (h *Host) AttachContainer(containerDir string, inode uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureLoadedLocked(); err != nil {
		return err
	}

	dirFD, err := unix.Open(containerDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		h.refCount--
		return agenterr.Wrapf(err, agenterr.ContainerError, "open container dir: %v", err)
	}
	defer unix.Close(dirFD)

	if err := bpfProgAttach(dirFD, h.progFD); err != nil {
		h.refCount--
		return agenterr.Wrapf(err, agenterr.ContainerError, "attach device filter: %v", err)
	}

	h.attached[inode] = containerDir
	return nil
}

// ensureLoadedLocked loads the shared program and map exactly once, on the
// transition from zero to one live container, then bumps the reference
// count; every later call is just the increment.
func (h *Host) ensureLoadedLocked() error {
	if h.refCount == 0 {
		mapFD, err := bpfCreateHashMap(devKeySize, devValueSize, maxMapEntries)
		if err != nil {
			return agenterr.Wrapf(err, agenterr.ContainerError, "create device permission map: %v", err)
		}
		progFD, err := bpfProgLoad(compileSharedDenyProgram(mapFD), "GPL", h.verbose)
		if err != nil {
			_ = unix.Close(mapFD)
			return agenterr.Wrapf(err, agenterr.ContainerError, "load device filter program: %v", err)
		}
		h.mapFD = mapFD
		h.progFD = progFD
		for _, row := range h.snapshot() {
			if row.Deny {
				_ = h.mapUpdateLocked(row.ContainerInode, row.Major, row.Minor)
			}
		}
	}
	h.refCount++
	return nil
}

// releaseRefLocked decrements the reference count; at zero it closes the
// shared program and map fds and unlinks the persisted table file.
func (h *Host) releaseRefLocked() error {
	if h.refCount == 0 {
		return nil
	}
	h.refCount--
	if h.refCount > 0 {
		return nil
	}
	if h.progFD >= 0 {
		_ = unix.Close(h.progFD)
		h.progFD = -1
	}
	if h.mapFD >= 0 {
		_ = unix.Close(h.mapFD)
		h.mapFD = -1
	}
	return nil
}

func (h *Host) detachProgramLocked(containerDir string) {
	dirFD, err := unix.Open(containerDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer unix.Close(dirFD)
	_ = bpfProgDetach(dirFD, h.progFD)
}

func (h *Host) mapUpdateLocked(inode uint64, major, minor int64) error {
	if h.mapFD < 0 {
		return nil
	}
	key := bpfDevKey{CgroupID: inode, Major: uint32(major), Minor: uint32(minor)}
	val := uint32(1) // presence alone means deny; see compileSharedDenyProgram
	return bpfMapUpdateElem(h.mapFD, unsafe.Pointer(&key), unsafe.Pointer(&val))
}

func (h *Host) mapDeleteLocked(inode uint64, major, minor int64) error {
	if h.mapFD < 0 {
		return nil
	}
	key := bpfDevKey{CgroupID: inode, Major: uint32(major), Minor: uint32(minor)}
	return bpfMapDeleteElem(h.mapFD, unsafe.Pointer(&key))
}

// bpfDevKey mirrors the kernel map's key layout: (cgroup inode, major,
// minor), matching original_source's struct BpfKey.
type bpfDevKey struct {
	CgroupID uint64
	Major    uint32
	Minor    uint32
}

const (
	devKeySize    = 16 // sizeof(bpfDevKey): 8 + 4 + 4
	devValueSize  = 4  // one uint32 flag per entry
	maxMapEntries = 4096
)

// bpfInsn mirrors the kernel's struct bpf_insn: one 8-byte eBPF
// instruction.
type bpfInsn struct {
	Code   uint8
	DstSrc uint8 // dst_reg (low nibble) | src_reg<<4 (high nibble)
	Off    int16
	Imm    int32
}

// eBPF instruction-class, opcode, and helper-function constants (see
// linux/bpf.h). Only the subset the device filter program needs is named
// here.
const (
	bpfClassLd    = 0x00
	bpfClassLdx   = 0x01
	bpfClassStx   = 0x03
	bpfClassAlu64 = 0x07
	bpfClassJmp   = 0x05

	bpfModeMem = 0x60
	bpfModeImm = 0x00
	bpfSizeW   = 0x00
	bpfSizeDW  = 0x18

	bpfSrcX = 0x08

	bpfOpMov  = 0xb0
	bpfOpAdd  = 0x00
	bpfOpJeq  = 0x10
	bpfOpJne  = 0x50
	bpfOpCall = 0x80
	bpfOpExit = 0x90

	bpfPseudoMapFD = 1

	bpfFuncMapLookupElem      = 1
	bpfFuncGetCurrentCgroupID = 80
)

func insnLdxW(dst, src uint8, off int16) bpfInsn {
	return bpfInsn{Code: bpfClassLdx | bpfModeMem | bpfSizeW, DstSrc: dst | src<<4, Off: off}
}

func insnStxDW(dst, src uint8, off int16) bpfInsn {
	return bpfInsn{Code: bpfClassStx | bpfModeMem | bpfSizeDW, DstSrc: dst | src<<4, Off: off}
}

func insnStxW(dst, src uint8, off int16) bpfInsn {
	return bpfInsn{Code: bpfClassStx | bpfModeMem | bpfSizeW, DstSrc: dst | src<<4, Off: off}
}

func insnJneImm(dst uint8, imm int32, off int16) bpfInsn {
	return bpfInsn{Code: bpfClassJmp | bpfOpJne, DstSrc: dst, Off: off, Imm: imm}
}

func insnJeqImm(dst uint8, imm int32, off int16) bpfInsn {
	return bpfInsn{Code: bpfClassJmp | bpfOpJeq, DstSrc: dst, Off: off, Imm: imm}
}

func insnMovImm(dst uint8, imm int32) bpfInsn {
	return bpfInsn{Code: bpfClassAlu64 | bpfOpMov, DstSrc: dst, Imm: imm}
}

func insnMovReg(dst, src uint8) bpfInsn {
	return bpfInsn{Code: bpfClassAlu64 | bpfOpMov | bpfSrcX, DstSrc: dst | src<<4}
}

func insnAddImm(dst uint8, imm int32) bpfInsn {
	return bpfInsn{Code: bpfClassAlu64 | bpfOpAdd, DstSrc: dst, Imm: imm}
}

func insnCall(helper int32) bpfInsn {
	return bpfInsn{Code: bpfClassJmp | bpfOpCall, Imm: helper}
}

func insnExit() bpfInsn {
	return bpfInsn{Code: bpfClassJmp | bpfOpExit}
}

// insnLdMapFD returns the two-slot BPF_LD | BPF_DW | BPF_IMM instruction
// pair that loads a map fd into dst via the BPF_PSEUDO_MAP_FD convention.
func insnLdMapFD(dst uint8, mapFD int) [2]bpfInsn {
	return [2]bpfInsn{
		{Code: bpfClassLd | bpfModeImm | bpfSizeDW, DstSrc: dst | bpfPseudoMapFD<<4, Imm: int32(mapFD)},
		{},
	}
}

// compileSharedDenyProgram compiles the one BPF_PROG_TYPE_CGROUP_DEVICE
// program shared by every container: it looks up
// (bpf_get_current_cgroup_id(), ctx.major, ctx.minor) in mapFD and returns
// deny (0) on a hit, allow (1) otherwise. Every row the agent ever denies
// lives in the map, keyed by the container's own cgroup id, not baked into
// the program text, so loading and attaching happens exactly once for the
// life of the agent process. Grounded on
// _examples/original_source/src/Craned/Craned/CgroupManager.cpp's
// BpfRuntimeInfo (one shared program + dev_map_, BpfKey{cgroup_id, major,
// minor}).
//
// Register use: r6 holds ctx across the two helper calls (r1 is clobbered
// by each `call`); the 16-byte key is built on the stack at [r10-16,r10).
func compileSharedDenyProgram(mapFD int) []bpfInsn {
	ldMapFD := insnLdMapFD(1, mapFD)
	insns := []bpfInsn{
		insnMovReg(6, 1),                 // r6 = ctx
		insnCall(bpfFuncGetCurrentCgroupID), // r0 = current cgroup id
		insnStxDW(10, 0, -16),             // *(u64 *)(r10-16) = r0
		insnLdxW(2, 6, 4),                 // r2 = ctx->major
		insnStxW(10, 2, -8),               // *(u32 *)(r10-8) = r2
		insnLdxW(3, 6, 8),                 // r3 = ctx->minor
		insnStxW(10, 3, -4),               // *(u32 *)(r10-4) = r3
		ldMapFD[0], ldMapFD[1],            // r1 = map fd
		insnMovReg(2, 10),                 // r2 = r10
		insnAddImm(2, -16),                // r2 += -16 (pointer to key)
		insnCall(bpfFuncMapLookupElem),    // r0 = value ptr or NULL
		insnJeqImm(0, 0, 2),                // not found -> skip to allow
		insnMovImm(0, 0),                   // found -> deny
		insnExit(),
		insnMovImm(0, 1), // allow
		insnExit(),
	}
	return insns
}

type bpfProgLoadAttr struct {
	ProgType    uint32
	InsnCnt     uint32
	Insns       uint64
	License     uint64
	LogLevel    uint32
	LogSize     uint32
	LogBuf      uint64
	KernVersion uint32
	_           uint32
}

type bpfMapCreateAttr struct {
	MapType    uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
}

type bpfMapElemAttr struct {
	MapFD uint32
	_     uint32
	Key   uint64
	Value uint64
	Flags uint64
}

type bpfProgAttachAttr struct {
	TargetFD    uint32
	AttachBPFFD uint32
	AttachType  uint32
	AttachFlags uint32
}

const (
	bpfMapTypeHash = 1

	bpfMapCreateCmd      = 0
	bpfMapUpdateElemCmd  = 2
	bpfMapDeleteElemCmd  = 3
	bpfProgLoadCmd       = 5
	bpfProgAttachCmd     = 8
	bpfProgDetachCmd     = 9

	bpfProgTypeCgroupDevice   = 22
	bpfAttachTypeCgroupDevice = 14

	bpfMapUpdateAny = 0
)

func bpfCreateHashMap(keySize, valueSize, maxEntries uint32) (int, error) {
	attr := bpfMapCreateAttr{
		MapType:    bpfMapTypeHash,
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: maxEntries,
	}
	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfMapCreateCmd, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

func bpfMapUpdateElem(mapFD int, key, value unsafe.Pointer) error {
	attr := bpfMapElemAttr{
		MapFD: uint32(mapFD),
		Key:   uint64(uintptr(key)),
		Value: uint64(uintptr(value)),
		Flags: bpfMapUpdateAny,
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfMapUpdateElemCmd, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return errno
	}
	return nil
}

func bpfMapDeleteElem(mapFD int, key unsafe.Pointer) error {
	attr := bpfMapElemAttr{
		MapFD: uint32(mapFD),
		Key:   uint64(uintptr(key)),
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfMapDeleteElemCmd, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return errno
	}
	return nil
}

func bpfProgLoad(insns []bpfInsn, license string, verbose bool) (int, error) {
	lic := append([]byte(license), 0)
	attr := bpfProgLoadAttr{
		ProgType: bpfProgTypeCgroupDevice,
		InsnCnt:  uint32(len(insns)),
		Insns:    uint64(uintptr(unsafe.Pointer(&insns[0]))),
		License:  uint64(uintptr(unsafe.Pointer(&lic[0]))),
	}
	var logBuf []byte
	if verbose {
		logBuf = make([]byte, 4096)
		attr.LogLevel = 1
		attr.LogSize = uint32(len(logBuf))
		attr.LogBuf = uint64(uintptr(unsafe.Pointer(&logBuf[0])))
	}
	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfProgLoadCmd, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

func bpfProgAttach(cgroupDirFD, progFD int) error {
	attr := bpfProgAttachAttr{
		TargetFD:    uint32(cgroupDirFD),
		AttachBPFFD: uint32(progFD),
		AttachType:  bpfAttachTypeCgroupDevice,
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfProgAttachCmd, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return errno
	}
	return nil
}

func bpfProgDetach(cgroupDirFD, progFD int) error {
	attr := bpfProgAttachAttr{
		TargetFD:    uint32(cgroupDirFD),
		AttachBPFFD: uint32(progFD),
		AttachType:  bpfAttachTypeCgroupDevice,
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfProgDetachCmd, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return errno
	}
	return nil
}
