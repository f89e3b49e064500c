package supervisor

import (
	"io"
	"testing"

	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisorproto"
)

func TestInitRequest(t *testing.T) {
	job := model.JobSpec{WorkDir: "/home/alice/job"}
	payload := supervisorproto.ExecuteTaskPayload{
		Uid: 1000, Gid: 1000, SupplementaryGids: []uint32{27},
		SeccompProfile: "/etc/craned/default.json",
	}
	argv := []string{"echo", "hi"}
	env := []string{"CRANE_JOB_ID=1"}

	req := initRequest(job, payload, argv, env, "/home/alice/job/out.log", "/home/alice/job/err.log")

	if req.WorkDir != job.WorkDir {
		t.Errorf("WorkDir = %q, want %q", req.WorkDir, job.WorkDir)
	}
	if req.Uid != 1000 || req.Gid != 1000 {
		t.Errorf("unexpected uid/gid: %d/%d", req.Uid, req.Gid)
	}
	if len(req.SupplementaryGids) != 1 || req.SupplementaryGids[0] != 27 {
		t.Errorf("unexpected supplementary gids: %v", req.SupplementaryGids)
	}
	if req.StdinPath != "/dev/null" {
		t.Errorf("expected stdin redirected to /dev/null, got %q", req.StdinPath)
	}
	if req.StdioFD != -1 {
		t.Errorf("expected StdioFD to default to -1 (no pty inherited), got %d", req.StdioFD)
	}
	if req.SeccompProfile != payload.SeccompProfile {
		t.Errorf("expected seccomp profile to pass through, got %q", req.SeccompProfile)
	}
	if req.MigrationAckFD != -1 {
		t.Errorf("expected MigrationAckFD to default to -1 until launch assigns the inherited fd, got %d", req.MigrationAckFD)
	}
}

func TestBytesReader(t *testing.T) {
	r := bytesReader([]byte("hello"))
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}
