package supervisor

import (
	"bytes"
	"io"

	"go.uber.org/zap"

	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisorproto"
	"github.com/crane-sched/craned/internal/craned/supervisor/taskinit"
)

func zapJob(id model.JobId) zap.Field {
	return zap.Uint32("job_id", uint32(id))
}

func zapPID(pid int) zap.Field {
	return zap.Int("pid", pid)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// initRequest assembles the craned-task-init stdin payload from the
// ExecuteTask RPC, the tokenized argv, the built environment, and the
// resolved output paths.
// initRequest only wires file-redirected stdio; a pty task's slave fd is
// attached by the relay client once it takes over the task's I/O (see
// internal/craned/relay), not here.
func initRequest(job model.JobSpec, p supervisorproto.ExecuteTaskPayload, argv, env []string, stdout, stderr string) taskinit.Request {
	return taskinit.Request{
		WorkDir:           job.WorkDir,
		Argv:              argv,
		Env:               env,
		Uid:               p.Uid,
		Gid:               p.Gid,
		SupplementaryGids: p.SupplementaryGids,
		StdinPath:         "/dev/null",
		StdoutPath:        stdout,
		StderrPath:        stderr,
		StdioFD:           -1,
		SeccompProfile:    p.SeccompProfile,
		MigrationAckFD:    -1,
	}
}
