// Package keeper implements the Supervisor Keeper: the per-node registry
// of live supervisor children, including startup rediscovery, spawning,
// and forwarding of per-job control RPCs. See §4.3.
package keeper

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisorproto"
)

// handshakeDeadline bounds how long the keeper waits for a freshly spawned
// or rediscovered supervisor to answer.
const handshakeDeadline = 3 * time.Second

// Keeper owns the JobId -> SupervisorRecord map and the live connections
// to each supervisor's control socket.
type Keeper struct {
	socketDir      string
	supervisorPath string

	mu    sync.Mutex
	conns map[model.JobId]*supervisorproto.Conn
	recs  map[model.JobId]model.SupervisorRecord
}

// New constructs a Keeper. socketDir is where per-job sockets live;
// supervisorPath is the path to the supervisor child executable.
func New(socketDir, supervisorPath string) *Keeper {
	return &Keeper{
		socketDir:      socketDir,
		supervisorPath: supervisorPath,
		conns:          make(map[model.JobId]*supervisorproto.Conn),
		recs:           make(map[model.JobId]model.SupervisorRecord),
	}
}

func (k *Keeper) socketPath(id model.JobId) string {
	return filepath.Join(k.socketDir, fmt.Sprintf("task_%d.sock", id))
}

// Rediscover scans the socket directory at agent startup, connects to each
// socket, and asks the supervisor behind it for its (JobId, PID). Sockets
// that fail to answer within handshakeDeadline are closed and unlinked.
// The returned map seeds the Job Manager's "still running" set.
func (k *Keeper) Rediscover(ctx context.Context) (map[model.JobId]int, error) {
	entries, err := os.ReadDir(k.socketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[model.JobId]int{}, nil
		}
		return nil, agenterr.Wrapf(err, agenterr.SystemError, "scan socket dir: %v", err)
	}

	alive := make(map[model.JobId]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(k.socketDir, e.Name())
		jobID, pid, ok := k.handshakeSocket(ctx, path)
		if !ok {
			_ = os.Remove(path)
			continue
		}
		alive[jobID] = pid
	}
	return alive, nil
}

func (k *Keeper) handshakeSocket(ctx context.Context, path string) (model.JobId, int, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "unix", path)
	if err != nil {
		return 0, 0, false
	}
	conn := supervisorproto.NewConn(nc)
	defer conn.Close()

	if err := conn.Send(supervisorproto.Message{Verb: supervisorproto.VerbHandshake}); err != nil {
		return 0, 0, false
	}
	_ = nc.SetReadDeadline(time.Now().Add(handshakeDeadline))
	reply, err := conn.Recv()
	if err != nil {
		return 0, 0, false
	}
	var hs supervisorproto.HandshakeReply
	if err := decodePayload(reply, &hs); err != nil {
		return 0, 0, false
	}

	k.mu.Lock()
	k.recs[model.JobId(hs.JobId)] = model.SupervisorRecord{JobId: model.JobId(hs.JobId), PID: hs.PID, SocketPath: path, Handshaked: true}
	k.mu.Unlock()

	return model.JobId(hs.JobId), hs.PID, true
}

// Spawn forks the supervisor executable for a job, waits for it to bind
// its control socket, and establishes the control connection.
func (k *Keeper) Spawn(ctx context.Context, job model.JobSpec, task model.TaskSpec) error {
	sockPath := k.socketPath(job.JobId)
	_ = os.Remove(sockPath)

	cmd := exec.CommandContext(context.Background(), k.supervisorPath,
		"-job", fmt.Sprint(uint32(job.JobId)),
		"-socket", sockPath,
	)
	cmd.SysProcAttr = supervisorSysProcAttr()
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return agenterr.Wrapf(err, agenterr.SpawnFail, "start supervisor: %v", err)
	}

	deadline := time.Now().Add(handshakeDeadline)
	var nc net.Conn
	var err error
	for time.Now().Before(deadline) {
		var d net.Dialer
		dialCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		nc, err = d.DialContext(dialCtx, "unix", sockPath)
		cancel()
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		_ = cmd.Process.Kill()
		return agenterr.Wrapf(err, agenterr.SpawnFail, "dial supervisor socket: %v", err)
	}

	conn := supervisorproto.NewConn(nc)
	k.mu.Lock()
	k.conns[job.JobId] = conn
	k.recs[job.JobId] = model.SupervisorRecord{JobId: job.JobId, PID: cmd.Process.Pid, SocketPath: sockPath, Handshaked: true}
	k.mu.Unlock()

	logging.Info(ctx, "spawned supervisor", supervisorField(job.JobId), pidField(cmd.Process.Pid))
	return nil
}

// ExecuteTask forwards a task, and the JobSpec fields its env, privilege
// drop, and pre-exec cgroup migration need, to a job's supervisor.
// migrationPaths are the cgroup.procs files the supervisor must migrate
// the task's pid into before releasing it to exec.
func (k *Keeper) ExecuteTask(job model.JobSpec, task model.TaskSpec, homeDir, shell, seccompProfile string, deviceEnv map[string]string, migrationPaths []string) (int, error) {
	conn, ok := k.connFor(job.JobId)
	if !ok {
		return 0, agenterr.New(agenterr.SupervisorLost)
	}
	payload := supervisorproto.ExecuteTaskPayload{
		CmdLine:       task.CmdLine,
		StdoutPattern: task.StdoutPattern,
		StderrPattern: task.StderrPattern,
		Pty:           task.Pty,
		RelayEndpoint: task.RelayEndpoint,

		Uid:             job.Uid,
		Gid:             job.Gid,
		WorkDir:         job.WorkDir,
		EnvOverlay:      job.EnvOverlay,
		InheritLoginEnv: job.InheritLoginEnv,
		HomeDir:         homeDir,
		Shell:           shell,
		DeviceEnv:       deviceEnv,

		NodeList:         job.NodeList,
		Excludes:         job.Excludes,
		JobName:          job.JobName,
		Account:          job.Account,
		Partition:        job.Partition,
		Qos:              job.Qos,
		TimeLimitSeconds: int64(job.TimeLimit.Seconds()),
		MemoryMB:         job.MemoryMB,
		JobType:          int(job.Type),
		Username:         job.Username,

		SeccompProfile: seccompProfile,
		MigrationPaths: migrationPaths,
	}
	if err := conn.Send(supervisorproto.Message{Verb: supervisorproto.VerbExecuteTask, Payload: supervisorproto.MarshalPayload(payload)}); err != nil {
		return 0, agenterr.Wrap(err, agenterr.SupervisorLost)
	}
	reply, err := conn.Recv()
	if err != nil {
		return 0, agenterr.Wrap(err, agenterr.SupervisorLost)
	}
	var r supervisorproto.ExecuteTaskReply
	if err := decodePayload(reply, &r); err != nil {
		return 0, agenterr.Wrap(err, agenterr.ProtocolError)
	}
	if r.Err != "" {
		return 0, agenterr.New(agenterr.SpawnFail).WithMessage(r.Err)
	}
	return r.PID, nil
}

// CheckTaskStatus asks the supervisor for the current PID/liveness.
func (k *Keeper) CheckTaskStatus(job model.JobId) (supervisorproto.CheckTaskStatusReply, error) {
	conn, ok := k.connFor(job)
	if !ok {
		return supervisorproto.CheckTaskStatusReply{}, agenterr.New(agenterr.SupervisorLost)
	}
	if err := conn.Send(supervisorproto.Message{Verb: supervisorproto.VerbCheckTaskStatus}); err != nil {
		return supervisorproto.CheckTaskStatusReply{}, agenterr.Wrap(err, agenterr.SupervisorLost)
	}
	reply, err := conn.Recv()
	if err != nil {
		return supervisorproto.CheckTaskStatusReply{}, agenterr.Wrap(err, agenterr.SupervisorLost)
	}
	var r supervisorproto.CheckTaskStatusReply
	if err := decodePayload(reply, &r); err != nil {
		return supervisorproto.CheckTaskStatusReply{}, agenterr.Wrap(err, agenterr.ProtocolError)
	}
	return r, nil
}

// ChangeTaskTimeLimit forwards a new wall-clock limit to the supervisor.
func (k *Keeper) ChangeTaskTimeLimit(job model.JobId, seconds int64) error {
	conn, ok := k.connFor(job)
	if !ok {
		return agenterr.New(agenterr.SupervisorLost)
	}
	payload := supervisorproto.ChangeTaskTimeLimitPayload{Seconds: seconds}
	return conn.Send(supervisorproto.Message{Verb: supervisorproto.VerbChangeTaskTimeLimit, Payload: supervisorproto.MarshalPayload(payload)})
}

// TerminateTask asks the supervisor to kill the task; idempotent — a
// missing supervisor is reported as no-op, not an error, matching §4.4.3.
func (k *Keeper) TerminateTask(job model.JobId, markOrphaned bool) error {
	conn, ok := k.connFor(job)
	if !ok {
		return nil
	}
	payload := supervisorproto.TerminateTaskPayload{MarkOrphaned: markOrphaned}
	return conn.Send(supervisorproto.Message{Verb: supervisorproto.VerbTerminateTask, Payload: supervisorproto.MarshalPayload(payload)})
}

// Terminate asks the supervisor to exit once its task has ended.
func (k *Keeper) Terminate(job model.JobId) error {
	conn, ok := k.connFor(job)
	if !ok {
		return nil
	}
	return conn.Send(supervisorproto.Message{Verb: supervisorproto.VerbTerminate})
}

// Forget drops the keeper's bookkeeping for a job once its supervisor
// socket has closed and its terminal status has been propagated.
func (k *Keeper) Forget(job model.JobId) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if conn, ok := k.conns[job]; ok {
		_ = conn.Close()
	}
	delete(k.conns, job)
	delete(k.recs, job)
	_ = os.Remove(k.socketPath(job))
}

// Record returns the current SupervisorRecord for a job, if any.
func (k *Keeper) Record(job model.JobId) (model.SupervisorRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.recs[job]
	return r, ok
}

func (k *Keeper) connFor(job model.JobId) (*supervisorproto.Conn, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.conns[job]
	return c, ok
}

func decodePayload(msg supervisorproto.Message, v interface{}) error {
	if msg.Payload == nil {
		return fmt.Errorf("empty payload")
	}
	return jsonUnmarshal(msg.Payload, v)
}
