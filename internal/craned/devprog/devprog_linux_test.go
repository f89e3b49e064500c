//go:build linux

package devprog

import "testing"

func TestCompileSharedDenyProgramEndsInAllowAndDenyReturns(t *testing.T) {
	insns := compileSharedDenyProgram(7)
	if len(insns) != 17 {
		t.Fatalf("expected a fixed 17-instruction program, got %d", len(insns))
	}
	last := insns[len(insns)-1]
	if last.Code != bpfClassJmp|bpfOpExit {
		t.Fatalf("expected final instruction to be exit, got code %#x", last.Code)
	}
	allowMov := insns[len(insns)-2]
	if allowMov.Imm != 1 {
		t.Fatalf("expected trailing allow branch to set r0 = 1, got %d", allowMov.Imm)
	}
	denyMov := insns[13]
	denyExit := insns[14]
	if denyMov.Imm != 0 || denyExit.Code != bpfClassJmp|bpfOpExit {
		t.Fatalf("expected deny branch (r0=0, exit) at indices 13-14, got mov imm %d, exit code %#x", denyMov.Imm, denyExit.Code)
	}
}

func TestCompileSharedDenyProgramEmbedsMapFD(t *testing.T) {
	insns := compileSharedDenyProgram(42)
	ldLow := insns[7]
	if ldLow.Code != bpfClassLd|bpfModeImm|bpfSizeDW {
		t.Fatalf("expected a BPF_LD|BPF_DW|BPF_IMM instruction at index 7, got code %#x", ldLow.Code)
	}
	if ldLow.Imm != 42 {
		t.Fatalf("expected the map fd 42 embedded as the immediate, got %d", ldLow.Imm)
	}
	if ldLow.DstSrc&0x0f != 1 {
		t.Fatalf("expected dst reg r1 for the map fd load, got %#x", ldLow.DstSrc)
	}
}

func TestCompileSharedDenyProgramCallsMapLookupAndCgroupIDHelpers(t *testing.T) {
	insns := compileSharedDenyProgram(1)
	var sawCgroupID, sawMapLookup bool
	for _, insn := range insns {
		if insn.Code != bpfClassJmp|bpfOpCall {
			continue
		}
		switch insn.Imm {
		case bpfFuncGetCurrentCgroupID:
			sawCgroupID = true
		case bpfFuncMapLookupElem:
			sawMapLookup = true
		}
	}
	if !sawCgroupID {
		t.Fatalf("expected a call to bpf_get_current_cgroup_id (helper %d)", bpfFuncGetCurrentCgroupID)
	}
	if !sawMapLookup {
		t.Fatalf("expected a call to bpf_map_lookup_elem (helper %d)", bpfFuncMapLookupElem)
	}
}

func TestCompileSharedDenyProgramIsIndependentOfMapFD(t *testing.T) {
	a := compileSharedDenyProgram(3)
	b := compileSharedDenyProgram(99)
	if len(a) != len(b) {
		t.Fatalf("program shape must not depend on which fd is embedded: %d vs %d instructions", len(a), len(b))
	}
}
