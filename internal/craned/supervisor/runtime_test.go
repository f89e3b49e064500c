package supervisor

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisorproto"
)

func TestSignalStatus(t *testing.T) {
	if got := signalStatus(syscall.SIGKILL); got != model.JobStatusExceedTimeLimit {
		t.Fatalf("SIGKILL should classify as ExceedTimeLimit, got %v", got)
	}
	if got := signalStatus(syscall.SIGTERM); got != model.JobStatusCancelled {
		t.Fatalf("SIGTERM should classify as Cancelled, got %v", got)
	}
	if got := signalStatus(syscall.SIGSEGV); got != model.JobStatusCancelled {
		t.Fatalf("a non-SIGKILL signal should classify as Cancelled, got %v", got)
	}
}

func TestReplyHandshake(t *testing.T) {
	r := New(model.JobId(17), "/tmp/does-not-matter.sock", "/usr/lib/craned/craned-task-init")
	reply := r.replyHandshake()
	if reply.Verb != supervisorproto.VerbHandshake {
		t.Fatalf("expected handshake verb, got %v", reply.Verb)
	}
	var hs supervisorproto.HandshakeReply
	if err := json.Unmarshal(reply.Payload, &hs); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if hs.JobId != 17 || hs.PID != os.Getpid() {
		t.Fatalf("unexpected handshake payload: %+v", hs)
	}
}

func TestReplyCheckStatusBeforeLaunch(t *testing.T) {
	r := New(model.JobId(1), "/tmp/does-not-matter.sock", "/usr/lib/craned/craned-task-init")
	reply := r.replyCheckStatus()
	var status supervisorproto.CheckTaskStatusReply
	if err := json.Unmarshal(reply.Payload, &status); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if status.Alive {
		t.Fatalf("expected not-alive before any task has launched")
	}
}

func TestHandleChangeTimeLimitIgnoresInvalidPayload(t *testing.T) {
	r := New(model.JobId(1), "/tmp/does-not-matter.sock", "/usr/lib/craned/craned-task-init")
	r.handleChangeTimeLimit(supervisorproto.Message{Payload: []byte("not json")})
	// must not panic; limit stays at its zero value
	if r.limit != 0 {
		t.Fatalf("expected limit to remain unset on invalid payload")
	}
}

func TestHandleTerminateMarksCancelled(t *testing.T) {
	r := New(model.JobId(1), "/tmp/does-not-matter.sock", "/usr/lib/craned/craned-task-init")
	r.handleTerminate(supervisorproto.Message{Payload: supervisorproto.MarshalPayload(supervisorproto.TerminateTaskPayload{MarkOrphaned: false})})
	if r.status != model.JobStatusCancelled || r.exitCode != 143 {
		t.Fatalf("expected cancelled status with exit code 143, got status=%v exit=%d", r.status, r.exitCode)
	}
}

func TestHandleTerminateOrphanedDoesNotSetCancelled(t *testing.T) {
	r := New(model.JobId(1), "/tmp/does-not-matter.sock", "/usr/lib/craned/craned-task-init")
	r.handleTerminate(supervisorproto.Message{Payload: supervisorproto.MarshalPayload(supervisorproto.TerminateTaskPayload{MarkOrphaned: true})})
	if r.status == model.JobStatusCancelled {
		t.Fatalf("expected orphaned terminate to leave status untouched, got %v", r.status)
	}
}

func TestMigratePidWritesEveryPath(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a", "cgroup.procs")
	b := filepath.Join(dir, "b", "cgroup.procs")
	if err := os.MkdirAll(filepath.Join(dir, "a"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "b"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := migratePid([]string{a, b}, 4242); err != nil {
		t.Fatalf("migratePid: %v", err)
	}
	for _, p := range []string{a, b} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if string(data) != "4242" {
			t.Fatalf("expected pid written to %s, got %q", p, data)
		}
	}
}

func TestMigratePidStopsOnFirstFailure(t *testing.T) {
	err := migratePid([]string{"/nonexistent/dir/cgroup.procs"}, 1)
	if err == nil {
		t.Fatalf("expected an error writing into a nonexistent directory")
	}
}

func TestReleaseForExecSignalsAckAfterMigration(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "cgroup.procs")
	ackR, ackW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer ackR.Close()

	if err := releaseForExec(ackW, []string{target}, 99); err != nil {
		t.Fatalf("releaseForExec: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil || string(data) != "99" {
		t.Fatalf("expected pid migrated before ack, got data=%q err=%v", data, err)
	}

	buf := make([]byte, 1)
	n, err := ackR.Read(buf)
	if err != nil || n != 1 {
		t.Fatalf("expected a single ack byte, got n=%d err=%v", n, err)
	}
}

func TestReleaseForExecClosesAckWithoutByteOnMigrationFailure(t *testing.T) {
	ackR, ackW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer ackR.Close()

	if err := releaseForExec(ackW, []string{"/nonexistent/dir/cgroup.procs"}, 1); err == nil {
		t.Fatalf("expected a migration error")
	}

	buf := make([]byte, 1)
	_, err = ackR.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF on a closed, unacknowledged pipe, got %v", err)
	}
}
